// Package guider is a client for the PHD2 autoguider event server.
//
// PHD2 speaks newline delimited JSON over TCP (port 4400 by default).  The
// host sends JSON-RPC requests; PHD2 replies with responses carrying the same
// id and, interleaved with them, asynchronous notifications tagged with an
// "Event" key.  Only the dither/settle part of the protocol is used here.
package guider

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/githubert/astroshutter/comm"
)

// DefaultPort is the TCP port of PHD2's event server for instance #1
const DefaultPort = 4400

const connectTimeout = 3 * time.Second

var (
	// ErrNotConnected is returned when the session is not connected, or was
	// lost while a call was in flight
	ErrNotConnected = errors.New("guider: not connected to PHD2")

	// ErrNotSettling is returned by PollSettle when no dither is in progress
	ErrNotSettling = errors.New("guider: not settling")

	// ErrSettleInProgress is returned by Dither if the previous settle has
	// not been collected with PollSettle
	ErrSettleInProgress = errors.New("guider: a settle is already in progress")
)

// RPCError is an error object returned by PHD2 in reply to a request
type RPCError struct {
	Method  string `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("guider: %s rejected by PHD2 (code %d): %s", e.Method, e.Code, e.Message)
}

// SettleError is returned by PollSettle when PHD2 reports that settling
// finished unsuccessfully, e.g. the star was lost or the timeout expired
type SettleError struct {
	Status  int
	Message string
}

func (e *SettleError) Error() string {
	return fmt.Sprintf("guider: settling failed (status %d): %s", e.Status, e.Message)
}

// DitherParams are the arguments of a dither.  Amount is the dither size in
// pixels, SettlePixels the guide error below which the mount counts as
// settled, SettleTime how long (s) it must stay below that, and SettleTimeout
// how long (s) PHD2 waits in total before declaring failure.
type DitherParams struct {
	Amount        float64
	RAOnly        bool
	SettlePixels  float64
	SettleTime    float64
	SettleTimeout float64
}

// DefaultDither is a 1px dither which must settle below 2px for 10s within 30s
var DefaultDither = DitherParams{
	Amount:        1.0,
	SettlePixels:  2.0,
	SettleTime:    10.0,
	SettleTimeout: 30.0,
}

// SettleStatus is a snapshot of settling progress
type SettleStatus struct {
	Done       bool
	Distance   float64 // current guide error in pixels
	SettlePx   float64 // threshold requested in the dither
	Time       float64 // seconds spent settling so far
	SettleTime float64 // seconds the error must stay below threshold
	StarLocked bool
}

type settleState struct {
	SettleStatus
	status int
	err    string
}

type request struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
	ID     uint64      `json:"id"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type envelope struct {
	Event string  `json:"Event"`
	ID    *uint64 `json:"id"`
}

type settlingEvent struct {
	Distance   float64 `json:"Distance"`
	Time       float64 `json:"Time"`
	SettleTime float64 `json:"SettleTime"`
	StarLocked bool    `json:"StarLocked"`
}

type settleDoneEvent struct {
	Status int    `json:"Status"`
	Error  string `json:"Error"`
}

// Client is a session with a PHD2 instance.  Its methods are safe for
// concurrent use; Disconnect in particular may be called from a signal
// handling goroutine while another goroutine is blocked in a call.
type Client struct {
	addr string

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	nextID  uint64
	pending map[uint64]chan response
	settle  *settleState
	done    chan struct{}

	wmu sync.Mutex // serializes writes to conn
}

// New returns a Client for host, which may be "host" or "host:port"
func New(host string) *Client {
	return &Client{addr: hostPort(host)}
}

func hostPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(DefaultPort))
}

// Addr is the host:port the client connects to
func (c *Client) Addr() string {
	return c.addr
}

// Connect opens the session.  Calling Connect on a connected client is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := comm.OpenWithRetry(comm.TCPConnMaker(c.addr, connectTimeout))
	if err != nil {
		return fmt.Errorf("guider: connect to %s: %w", c.addr, err)
	}
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[uint64]chan response)
	c.settle = nil
	c.done = done
	c.mu.Unlock()
	go c.readLoop(conn, done)
	log.Printf("guider: connected to PHD2 at %s", c.addr)
	return nil
}

// Connected reports whether the session is up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect closes the session.  It is idempotent and a no-op on a client
// that was never connected.  Calls in flight return ErrNotConnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.drop()
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	log.Printf("guider: disconnected from %s", c.addr)
	return err
}

// drop forgets the connection and fails pending calls.  c.mu must be held.
func (c *Client) drop() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.conn = nil
	c.settle = nil
}

func (c *Client) readLoop(conn io.ReadWriteCloser, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		c.dispatch(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		log.Printf("guider: connection read error: %v", err)
	}
	c.mu.Lock()
	if c.conn == conn {
		log.Printf("guider: connection to %s lost", c.addr)
		c.drop()
	}
	c.mu.Unlock()
}

func (c *Client) dispatch(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		log.Printf("guider: discarding malformed message %q: %v", line, err)
		return
	}
	if env.Event != "" {
		c.handleEvent(env.Event, line)
		return
	}
	if env.ID == nil {
		return
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		log.Printf("guider: discarding malformed response %q: %v", line, err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[*env.ID]
	delete(c.pending, *env.ID)
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) handleEvent(name string, line []byte) {
	switch name {
	case "Settling":
		var ev settlingEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		c.mu.Lock()
		if c.settle != nil && !c.settle.Done {
			c.settle.Distance = ev.Distance
			c.settle.Time = ev.Time
			c.settle.SettleTime = ev.SettleTime
			c.settle.StarLocked = ev.StarLocked
		}
		c.mu.Unlock()
	case "SettleDone":
		var ev settleDoneEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		c.mu.Lock()
		if c.settle != nil {
			c.settle.Done = true
			c.settle.status = ev.Status
			c.settle.err = ev.Error
		}
		c.mu.Unlock()
	}
}

// call sends a request and blocks until its response arrives or the session
// goes away.  There is no timeout.
func (c *Client) call(method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	b, err := json.Marshal(request{Method: method, Params: params, ID: id})
	if err != nil {
		return nil, err
	}
	b = append(b, '\r', '\n')
	c.wmu.Lock()
	_, err = conn.Write(b)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("guider: sending %s: %w", method, err)
	}

	resp, ok := <-ch
	if !ok {
		return nil, ErrNotConnected
	}
	if resp.Error != nil {
		resp.Error.Method = method
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Dither asks PHD2 to offset the guide star and start settling.  Progress is
// then collected with PollSettle.
func (c *Client) Dither(p DitherParams) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.settle != nil && !c.settle.Done {
		c.mu.Unlock()
		return ErrSettleInProgress
	}
	// settling is marked before the request so a SettleDone racing the
	// response is not lost
	c.settle = &settleState{SettleStatus: SettleStatus{SettlePx: p.SettlePixels}}
	c.mu.Unlock()

	params := map[string]interface{}{
		"amount": p.Amount,
		"raOnly": p.RAOnly,
		"settle": map[string]float64{
			"pixels":  p.SettlePixels,
			"time":    p.SettleTime,
			"timeout": p.SettleTimeout,
		},
	}
	if _, err := c.call("dither", params); err != nil {
		c.mu.Lock()
		c.settle = nil
		c.mu.Unlock()
		return err
	}
	return nil
}

// PollSettle reports settling progress.  Once settling has finished the
// result is returned exactly once: Done with a nil error on success, or a
// *SettleError if PHD2 gave up.
func (c *Client) PollSettle() (SettleStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return SettleStatus{}, ErrNotConnected
	}
	if c.settle == nil {
		return SettleStatus{}, ErrNotSettling
	}
	s := c.settle
	if !s.Done {
		return s.SettleStatus, nil
	}
	c.settle = nil
	if s.status != 0 {
		return s.SettleStatus, &SettleError{Status: s.status, Message: s.err}
	}
	return s.SettleStatus, nil
}
