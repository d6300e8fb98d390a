package guider

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     uint64          `json:"id"`
}

// fakePHD2 is an in-process stand-in for the PHD2 event server
type fakePHD2 struct {
	ln       net.Listener
	conns    chan net.Conn
	requests chan rpcRequest
}

func newFakePHD2(t *testing.T) *fakePHD2 {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "could not listen, test aborted")
	f := &fakePHD2{
		ln:       ln,
		conns:    make(chan net.Conn, 4),
		requests: make(chan rpcRequest, 16),
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { conn.Close() })
			f.conns <- conn
			go func() {
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					var req rpcRequest
					if err := json.Unmarshal(scanner.Bytes(), &req); err == nil {
						f.requests <- req
					}
				}
			}()
		}
	}()
	return f
}

func (f *fakePHD2) addr() string {
	return f.ln.Addr().String()
}

func send(t *testing.T, conn net.Conn, format string, args ...interface{}) {
	_, err := fmt.Fprintf(conn, format+"\r\n", args...)
	require.NoError(t, err)
}

func nextRequest(t *testing.T, f *fakePHD2) rpcRequest {
	select {
	case req := <-f.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request reached the fake PHD2")
	}
	return rpcRequest{}
}

func connect(t *testing.T) (*Client, *fakePHD2, net.Conn) {
	f := newFakePHD2(t)
	c := New(f.addr())
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Disconnect() })
	conn := <-f.conns
	send(t, conn, `{"Event":"Version","PHDVersion":"2.6.11","MsgVersion":1}`)
	return c, f, conn
}

// ditherOK starts a dither and acknowledges it, returning the request seen
func ditherOK(t *testing.T, c *Client, f *fakePHD2, conn net.Conn) rpcRequest {
	errs := make(chan error, 1)
	go func() { errs <- c.Dither(DefaultDither) }()
	req := nextRequest(t, f)
	send(t, conn, `{"jsonrpc":"2.0","result":0,"id":%d}`, req.ID)
	require.NoError(t, <-errs)
	return req
}

func TestHostPortDefault(t *testing.T) {
	assert.Equal(t, "localhost:4400", New("localhost").Addr())
	assert.Equal(t, "scope.local:4401", New("scope.local:4401").Addr())
	assert.Equal(t, "[::1]:4400", New("::1").Addr())
}

func TestDitherRequestShape(t *testing.T) {
	c, f, conn := connect(t)
	req := ditherOK(t, c, f, conn)

	assert.Equal(t, "dither", req.Method)
	var params struct {
		Amount float64 `json:"amount"`
		RAOnly bool    `json:"raOnly"`
		Settle struct {
			Pixels  float64 `json:"pixels"`
			Time    float64 `json:"time"`
			Timeout float64 `json:"timeout"`
		} `json:"settle"`
	}
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, 1.0, params.Amount)
	assert.False(t, params.RAOnly)
	assert.Equal(t, 2.0, params.Settle.Pixels)
	assert.Equal(t, 10.0, params.Settle.Time)
	assert.Equal(t, 30.0, params.Settle.Timeout)
}

func TestSettleProgressThenDone(t *testing.T) {
	c, f, conn := connect(t)
	ditherOK(t, c, f, conn)

	st, err := c.PollSettle()
	require.NoError(t, err)
	assert.False(t, st.Done)
	assert.Equal(t, 2.0, st.SettlePx)

	send(t, conn, `{"Event":"SettleBegin"}`)
	send(t, conn, `{"Event":"Settling","Distance":3.25,"Time":1.5,"SettleTime":10,"StarLocked":true}`)
	assert.Eventually(t, func() bool {
		st, err := c.PollSettle()
		return err == nil && !st.Done && st.Distance == 3.25 && st.StarLocked
	}, 2*time.Second, 10*time.Millisecond)

	send(t, conn, `{"Event":"SettleDone","Status":0,"TotalFrames":12,"DroppedFrames":0}`)
	var final SettleStatus
	require.Eventually(t, func() bool {
		st, err := c.PollSettle()
		if err != nil {
			return false
		}
		final = st
		return st.Done
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, final.Done)

	// the result is handed out once
	_, err = c.PollSettle()
	assert.ErrorIs(t, err, ErrNotSettling)
}

func TestSettleFailure(t *testing.T) {
	c, f, conn := connect(t)
	ditherOK(t, c, f, conn)

	send(t, conn, `{"Event":"SettleDone","Status":1,"Error":"timed-out waiting for guider to settle"}`)
	var err error
	require.Eventually(t, func() bool {
		var st SettleStatus
		st, err = c.PollSettle()
		return st.Done || err != nil
	}, 2*time.Second, 10*time.Millisecond)

	var se *SettleError
	require.True(t, errors.As(err, &se), "expected SettleError, got %v", err)
	assert.Equal(t, 1, se.Status)
	assert.Contains(t, se.Error(), "timed-out")
}

func TestDitherRejected(t *testing.T) {
	c, f, conn := connect(t)
	errs := make(chan error, 1)
	go func() { errs <- c.Dither(DefaultDither) }()
	req := nextRequest(t, f)
	send(t, conn, `{"jsonrpc":"2.0","error":{"code":1,"message":"cannot dither if not guiding"},"id":%d}`, req.ID)

	err := <-errs
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr), "expected RPCError, got %v", err)
	assert.Equal(t, "dither", rpcErr.Method)
	assert.Equal(t, "cannot dither if not guiding", rpcErr.Message)

	// a rejected dither leaves nothing to poll
	_, err = c.PollSettle()
	assert.ErrorIs(t, err, ErrNotSettling)
}

func TestDitherWhileSettling(t *testing.T) {
	c, f, conn := connect(t)
	ditherOK(t, c, f, conn)
	assert.ErrorIs(t, c.Dither(DefaultDither), ErrSettleInProgress)
}

func TestNotConnected(t *testing.T) {
	c := New("localhost")
	assert.False(t, c.Connected())
	_, err := c.PollSettle()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Dither(DefaultDither), ErrNotConnected)
	assert.NoError(t, c.Disconnect())
}

func TestDisconnectIdempotent(t *testing.T) {
	c, _, _ := connect(t)
	assert.True(t, c.Connected())
	assert.NoError(t, c.Disconnect())
	assert.NoError(t, c.Disconnect())
	assert.False(t, c.Connected())
}

func TestDisconnectUnblocksPendingCall(t *testing.T) {
	c, f, _ := connect(t)
	errs := make(chan error, 1)
	go func() { errs <- c.Dither(DefaultDither) }()
	nextRequest(t, f) // never answered

	require.NoError(t, c.Disconnect())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Dither still blocked after Disconnect")
	}
}

func TestConnectionLossFailsPoll(t *testing.T) {
	c, f, conn := connect(t)
	ditherOK(t, c, f, conn)
	conn.Close()
	assert.Eventually(t, func() bool {
		_, err := c.PollSettle()
		return errors.Is(err, ErrNotConnected)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := New(addr)
	assert.Error(t, c.Connect())
	assert.False(t, c.Connected())
}
