// Package interrupt implements two stage operator cancellation.
//
// The first interrupt asks the exposure loop to stop once the current
// exposure has finished.  The second one aborts immediately: the registered
// abort hooks run on the signal goroutine (close the shutter, drop the guider
// session) and the process exits without returning to the loop.
package interrupt

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// ExitCode is the process exit status after an escalated cancellation,
// 128 + SIGINT as shells report it
const ExitCode = 130

// State is the cancellation state
type State int32

const (
	// Armed means no interrupt has been received
	Armed State = iota

	// Requested means the loop should stop after the current exposure
	Requested

	// Escalated means the operator asked for an immediate abort
	Escalated
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Requested:
		return "requested"
	case Escalated:
		return "escalated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Controller holds the cancellation state shared between the signal
// goroutine and the exposure loop.  The zero value is not usable; use New.
type Controller struct {
	state atomic.Int32

	mu    sync.Mutex
	hooks []func()

	out io.Writer

	// Exit terminates the process after the abort hooks ran.  Defaults to
	// os.Exit; replaced in tests.
	Exit func(code int)
}

// New returns an armed Controller which prints operator notices to out
func New(out io.Writer) *Controller {
	return &Controller{out: out, Exit: os.Exit}
}

// State returns the current state
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Requested is true once any interrupt has been received
func (c *Controller) Requested() bool {
	return c.State() >= Requested
}

// Escalated is true once the second interrupt has been received
func (c *Controller) Escalated() bool {
	return c.State() == Escalated
}

// OnEscalate registers a hook run, in registration order, on escalation.
// Hooks must not block for long; they run before the process exits.
func (c *Controller) OnEscalate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Request performs the graceful transition only.  It reports whether the
// state changed, i.e. false if a stop was already requested.
func (c *Controller) Request() bool {
	if c.state.CompareAndSwap(int32(Armed), int32(Requested)) {
		fmt.Fprintln(c.out, "Abort requested after current exposure.")
		return true
	}
	return false
}

// Interrupt handles one operator interrupt
func (c *Controller) Interrupt() {
	if c.Request() {
		return
	}
	if !c.state.CompareAndSwap(int32(Requested), int32(Escalated)) {
		// already escalated, the first escalation owns the exit
		return
	}
	fmt.Fprintln(c.out, "Aborting immediately.")
	c.mu.Lock()
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()
	for _, fn := range hooks {
		runHook(fn)
	}
	c.Exit(ExitCode)
}

func runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("interrupt: abort hook panicked: %v", r)
		}
	}()
	fn()
}

// Watch feeds every signal received on sigs to Interrupt until sigs is closed
func (c *Controller) Watch(sigs <-chan os.Signal) {
	for range sigs {
		c.Interrupt()
	}
}

// Notify routes SIGINT and SIGTERM to the controller.  The returned func
// restores default signal handling.
func (c *Controller) Notify() (stop func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go c.Watch(sigs)
	return func() {
		signal.Stop(sigs)
		close(sigs)
	}
}
