/*Package comm provides the transport plumbing shared by the shutter and
guider packages.

The shutter interface box is a dumb serial device: the host writes single
bytes and never reads a reply.  The guiding daemon is reached over TCP.  Both
are opened with a short exponential backoff, USB-serial adapters in
particular do not like being connection thrashed right after they enumerate.

Most usages of this package boil down to:

	conf := comm.SerialConf("/dev/ttyUSB0", 9600)
	conn, err := comm.OpenWithRetry(comm.SerialConnMaker(conf))
	if err != nil {
		return err
	}
	defer conn.Close()
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when SerialConnMaker is given a nil config
	ErrNoSerialConf = errors.New("serial config is nil")

	// ErrNotConnected is generated when a write is attempted on a nil connection
	ErrNotConnected = errors.New("conn is nil, not connected to remote")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Flusher is implemented by connections which buffer writes, e.g. *serial.Port
type Flusher interface {
	Flush() error
}

// SerialConf makes a new serial.Config with 8N1 framing and a short read
// timeout, which is what hobbyist shutter release boxes speak.
func SerialConf(addr string, baud int) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

// SerialConnMaker returns a CreationFunc which opens the serial port
// described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		if conf == nil {
			return nil, ErrNoSerialConf
		}
		return serial.OpenPort(conf)
	}
}

// TCPConnMaker returns a CreationFunc which dials addr with a connect timeout.
// No read or write deadline is set; the connection is meant to live for the
// whole session.
func TCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return net.DialTimeout("tcp", addr, timeout)
	}
}

// OpenWithRetry calls maker with an exponential backoff until it succeeds or
// about three seconds have elapsed.  A missing device file is not retried.
func OpenWithRetry(maker CreationFunc) (io.ReadWriteCloser, error) {
	var conn io.ReadWriteCloser
	op := func() error {
		c, err := maker()
		if err != nil {
			if os.IsNotExist(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, fmt.Errorf("comm: unable to open connection: %w", err)
	}
	return conn, nil
}
