package shutter

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/githubert/astroshutter/comm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPort records writes and counts Flush/Close calls
type mockPort struct {
	bytes.Buffer
	flushes  int
	closes   int
	writeErr error
}

func (m *mockPort) Write(b []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.Buffer.Write(b)
}

func (m *mockPort) Flush() error {
	m.flushes++
	return nil
}

func (m *mockPort) Close() error {
	m.closes++
	return nil
}

func TestOpenCloseWriteSingleBytes(t *testing.T) {
	port := &mockPort{}
	c := New(port)

	require.NoError(t, c.Open())
	assert.True(t, c.IsOpen())
	require.NoError(t, c.Close())
	assert.False(t, c.IsOpen())

	assert.Equal(t, "rc", port.String())
	opens, closes := c.Counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)
}

func TestCloseIsRepeatable(t *testing.T) {
	port := &mockPort{}
	c := New(port)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, "cc", port.String())
}

func TestWriteFailureIsReported(t *testing.T) {
	boom := errors.New("usb unplugged")
	port := &mockPort{writeErr: boom}
	c := New(port)
	assert.ErrorIs(t, c.Open(), boom)
	assert.False(t, c.IsOpen())
	opens, _ := c.Counts()
	assert.Zero(t, opens)
}

func TestForceCloseWritesFlushesAndReleases(t *testing.T) {
	port := &mockPort{}
	c := New(port)
	require.NoError(t, c.Open())

	c.ForceClose()
	assert.Equal(t, "rc", port.String())
	assert.Equal(t, 1, port.flushes)
	assert.Equal(t, 1, port.closes)
	assert.False(t, c.IsOpen())

	// second call and Release afterwards are harmless
	c.ForceClose()
	require.NoError(t, c.Release())
	assert.Equal(t, 1, port.closes)
	assert.ErrorIs(t, c.Close(), comm.ErrNotConnected)
}

// stallPort holds back the open signal until release is closed
type stallPort struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	started chan struct{}
	release chan struct{}
	closes  int
}

func (p *stallPort) Write(b []byte) (int, error) {
	if b[0] == OpenByte {
		close(p.started)
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(b)
}

func (p *stallPort) Read(b []byte) (int, error) { return 0, io.EOF }

func (p *stallPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *stallPort) wire() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

func TestForceCloseDuringOpenEndsClosed(t *testing.T) {
	port := &stallPort{started: make(chan struct{}), release: make(chan struct{})}
	c := New(port)

	opened := make(chan error, 1)
	go func() { opened <- c.Open() }()
	<-port.started

	forced := make(chan struct{})
	go func() {
		c.ForceClose()
		close(forced)
	}()
	// the first close signal does not wait for the stalled open
	assert.Eventually(t, func() bool { return port.wire() == "c" }, time.Second, time.Millisecond)

	close(port.release)
	select {
	case <-forced:
	case <-time.After(time.Second):
		t.Fatal("ForceClose did not return after the open write finished")
	}
	require.NoError(t, <-opened)

	assert.Equal(t, "crc", port.wire())
	assert.False(t, c.IsOpen())
	assert.Equal(t, 1, port.closes)
	assert.ErrorIs(t, c.Open(), comm.ErrNotConnected)
}

func TestOpenAfterForceCloseIsRefused(t *testing.T) {
	port := &mockPort{}
	c := New(port)
	c.ForceClose()
	assert.ErrorIs(t, c.Open(), comm.ErrNotConnected)
	assert.Equal(t, "c", port.String())
}

func TestReleaseIdempotent(t *testing.T) {
	port := &mockPort{}
	c := New(port)
	require.NoError(t, c.Release())
	require.NoError(t, c.Release())
	assert.Equal(t, 1, port.closes)
	assert.ErrorIs(t, c.Open(), comm.ErrNotConnected)

	// nothing is written to a released port
	c.ForceClose()
	assert.Empty(t, port.String())
	assert.Equal(t, 1, port.closes)
}

func TestNilConnection(t *testing.T) {
	c := New(nil)
	assert.ErrorIs(t, c.Open(), comm.ErrNotConnected)
	c.ForceClose()
	assert.NoError(t, c.Release())
}
