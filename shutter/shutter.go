// Package shutter drives a camera shutter release box over a serial line.
//
// The box is dumb: it latches the shutter open on 'r' (release) and closes it
// on 'c'.  There is no acknowledgment, so Open and Close are fire-and-forget
// single byte writes.
package shutter

import (
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/githubert/astroshutter/comm"
	"github.com/tarm/serial"
)

const (
	// OpenByte is written to release (open) the shutter
	OpenByte = 'r'

	// CloseByte is written to close the shutter
	CloseByte = 'c'
)

// Controller owns the serial connection to the shutter release box.
//
// Open, Close, ForceClose and Release are safe for concurrent use.  ForceClose
// is meant for the escalated abort path; it waits at most for one single byte
// write already in progress.
type Controller struct {
	mu       sync.Mutex
	conn     io.ReadWriteCloser
	released atomic.Bool
	open     bool
	opens    int
	closes   int
}

// New wraps an already opened connection
func New(conn io.ReadWriteCloser) *Controller {
	return &Controller{conn: conn}
}

// Dial opens the serial port described by conf and returns a Controller on it
func Dial(conf *serial.Config) (*Controller, error) {
	conn, err := comm.OpenWithRetry(comm.SerialConnMaker(conf))
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

func (c *Controller) write(b byte) error {
	if c.conn == nil || c.released.Load() {
		return comm.ErrNotConnected
	}
	_, err := c.conn.Write([]byte{b})
	return err
}

// Open sends the shutter-open signal
func (c *Controller) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.write(OpenByte)
	if err == nil {
		c.open = true
		c.opens++
	}
	return err
}

// Close sends the shutter-close signal.  It is safe to call when the shutter
// is already closed; the signal is sent again regardless.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.write(CloseByte)
	if err == nil {
		c.open = false
		c.closes++
	}
	return err
}

// ForceClose writes the close signal, flushes and releases the port without
// regard for the controller's state.  No Open or Close can start writing once
// it has begun.  If one is already inside its write, the close signal goes
// out at once and again after that write finished, so close is always the
// last signal on the wire.  Errors are logged, not returned.
func (c *Controller) ForceClose() {
	conn := c.conn
	if conn == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	if !c.mu.TryLock() {
		forceWrite(conn)
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	if forceWrite(conn) {
		c.open = false
		c.closes++
	}
	if f, ok := conn.(comm.Flusher); ok {
		if err := f.Flush(); err != nil {
			log.Printf("shutter: flush failed: %v", err)
		}
	}
	if err := conn.Close(); err != nil {
		log.Printf("shutter: releasing port failed: %v", err)
	}
}

func forceWrite(conn io.Writer) bool {
	if _, err := conn.Write([]byte{CloseByte}); err != nil {
		log.Printf("shutter: force close write failed: %v", err)
		return false
	}
	return true
}

// Release closes the underlying connection.  It does not send the close
// signal; callers that may have left the shutter open use ForceClose.
// Release is idempotent.
func (c *Controller) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.released.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// IsOpen reports whether the last signal successfully sent was open
func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Counts returns the number of open and close signals successfully written
func (c *Controller) Counts() (opens, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes
}
