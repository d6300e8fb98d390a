// Package cycle runs the repeated exposure loop: open the shutter, count down
// the exposure, close the shutter, optionally take a dark frame or dither and
// wait for the guider to settle, pause, repeat.
//
// The loop is single threaded.  Every wait is a series of one second steps;
// the cancellation state is checked after each step and at every exposure
// boundary, so a stop request is never observed mid-exposure while an
// immediate abort is observed within a second.
package cycle

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/githubert/astroshutter/guider"
	"github.com/githubert/astroshutter/util"
)

// Unbounded as Config.Count loops until cancelled
const Unbounded = -1

// settlePollMargin is added to the settle timeout and time to bound the
// number of settle polls when PHD2 never reports SettleDone
const settlePollMargin = 30

var (
	// ErrAborted is returned by Run when an immediate abort was observed
	ErrAborted = errors.New("cycle: aborted by operator")

	// ErrSettleTimeout is wrapped in a GuideError when the guider has not
	// finished settling after the maximum number of polls
	ErrSettleTimeout = errors.New("cycle: guider did not finish settling in time")
)

// SetupError is a failure before the first exposure
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("cycle: setup: %s: %v", e.Op, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// IOError is a shutter write failure.  It is logged, the loop goes on.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("cycle: shutter %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// GuideError is a dither or settle failure.  It ends the run since frames
// taken after it would not be dithered.
type GuideError struct {
	Op  string
	Err error
}

func (e *GuideError) Error() string { return fmt.Sprintf("cycle: guiding: %s: %v", e.Op, e.Err) }
func (e *GuideError) Unwrap() error { return e.Err }

// Shutter opens and closes the camera shutter
type Shutter interface {
	Open() error
	Close() error
}

// Guider is a guiding session able to dither
type Guider interface {
	Connect() error
	Dither(guider.DitherParams) error
	PollSettle() (guider.SettleStatus, error)
	Disconnect() error
}

// Canceller exposes the operator's cancellation requests
type Canceller interface {
	Requested() bool
	Escalated() bool
}

// Prompter blocks until the operator confirms msg
type Prompter interface {
	Confirm(msg string) error
}

// Reporter receives operator facing progress
type Reporter interface {
	Banner(cfg Config)
	Countdown(remaining int)
	ExposureDone(index, count int)
	AllDone()
	Stopping()
	DitherStart()
	SettleProgress(st guider.SettleStatus)
	DitherDone()
	Pausing(secs int)
}

// Config is the immutable configuration of a run.  Exposure and Pause are in
// whole seconds.
type Config struct {
	Exposure  int
	Pause     int
	Count     int
	Dither    bool
	DarkEvery int
	Dithering guider.DitherParams
}

// Bounded is true when the run stops after Count exposures
func (c Config) Bounded() bool {
	return c.Count != Unbounded
}

// Validate checks the numeric ranges
func (c Config) Validate() error {
	switch {
	case c.Exposure < 0:
		return fmt.Errorf("exposure must be >= 0 seconds, got %d", c.Exposure)
	case c.Pause < 0:
		return fmt.Errorf("pause must be >= 0 seconds, got %d", c.Pause)
	case c.Count != Unbounded && c.Count < 1:
		return fmt.Errorf("count must be positive or %d for unbounded, got %d", Unbounded, c.Count)
	case c.DarkEvery < 0:
		return fmt.Errorf("dark-every must be >= 0, got %d", c.DarkEvery)
	case c.Dither && c.Dithering.SettleTimeout <= 0:
		return fmt.Errorf("settle timeout must be > 0 seconds, got %g", c.Dithering.SettleTimeout)
	}
	return nil
}

// Phase is the state of the loop
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseExposing Phase = "exposing"
	PhaseDark     Phase = "dark"
	PhaseSettling Phase = "settling"
	PhasePausing  Phase = "pausing"
	PhaseDone     Phase = "done"
)

// Status is a snapshot of the loop for display
type Status struct {
	Phase     Phase `json:"phase"`
	Exposure  int   `json:"exposure"`
	Count     int   `json:"count"`
	Dark      bool  `json:"dark"`
	Remaining int   `json:"remaining"`
	IOErrors  int   `json:"ioErrors"`
}

// Cycle drives one run of the exposure loop
type Cycle struct {
	cfg     Config
	shutter Shutter
	guide   Guider // nil when not dithering
	cancel  Canceller
	prompt  Prompter
	report  Reporter

	// Sleep waits one step; time.Sleep unless replaced in tests
	Sleep func(time.Duration)

	mu     sync.Mutex
	status Status
}

// New checks cfg and returns a Cycle.  g may be nil unless cfg.Dither is set,
// p may be nil unless cfg.DarkEvery is nonzero.
func New(cfg Config, sh Shutter, g Guider, cancel Canceller, p Prompter, r Reporter) (*Cycle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sh == nil || cancel == nil || r == nil {
		return nil, errors.New("cycle: shutter, canceller and reporter are required")
	}
	if cfg.Dither && g == nil {
		return nil, errors.New("cycle: dithering enabled without a guider")
	}
	if cfg.DarkEvery > 0 && p == nil {
		return nil, errors.New("cycle: dark frames enabled without a prompter")
	}
	if !cfg.Dither {
		g = nil
	}
	return &Cycle{
		cfg:     cfg,
		shutter: sh,
		guide:   g,
		cancel:  cancel,
		prompt:  p,
		report:  r,
		Sleep:   time.Sleep,
		status:  Status{Phase: PhaseIdle, Count: cfg.Count},
	}, nil
}

// Status returns a snapshot; safe to call from any goroutine
func (c *Cycle) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Cycle) update(fn func(s *Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.mu.Unlock()
}

func (c *Cycle) setPhase(p Phase) {
	c.update(func(s *Status) { s.Phase = p })
}

// Run executes the loop until the exposure count is reached, a stop is
// requested, or a fatal error occurs.  On every return the shutter has been
// sent the close signal and the guider session has been released.
//
// A graceful stop returns nil.
func (c *Cycle) Run() error {
	defer c.finish()

	if c.guide != nil {
		if err := c.guide.Connect(); err != nil {
			return &SetupError{Op: "connect guider", Err: err}
		}
	}
	c.report.Banner(c.cfg)

	for {
		if c.cancel.Escalated() {
			return ErrAborted
		}
		if c.cfg.Bounded() && c.Status().Exposure >= c.cfg.Count {
			// the index never passes a bounded count
			return nil
		}

		var index int
		c.update(func(s *Status) {
			s.Exposure++
			index = s.Exposure
			s.Dark = c.cfg.DarkEvery > 0 && index%c.cfg.DarkEvery == 0
		})
		dark := c.Status().Dark

		if dark {
			c.setPhase(PhaseDark)
			if err := c.prompt.Confirm(fmt.Sprintf("Dark frame %d: cap the telescope and press Enter.", index)); err != nil {
				return fmt.Errorf("cycle: dark frame prompt: %w", err)
			}
		}
		if err := c.expose(); err != nil {
			return err
		}
		if dark {
			if err := c.prompt.Confirm("Dark frame done: remove the cap and press Enter."); err != nil {
				return fmt.Errorf("cycle: dark frame prompt: %w", err)
			}
		}
		c.report.ExposureDone(index, c.cfg.Count)

		if c.cfg.Bounded() && index >= c.cfg.Count {
			c.report.AllDone()
			return nil
		}
		if c.cancel.Requested() {
			c.report.Stopping()
			return nil
		}
		if !dark && c.guide != nil {
			if err := c.settle(); err != nil {
				return err
			}
		}
		if err := c.pause(); err != nil {
			return err
		}
	}
}

// expose runs one shutter cycle.  The shutter is closed even when an abort
// cuts the countdown short.
func (c *Cycle) expose() error {
	c.setPhase(PhaseExposing)
	if err := c.shutter.Open(); err != nil {
		c.ioError("open", err)
	}
	aborted := false
	for remaining := c.cfg.Exposure; remaining > 0; remaining-- {
		c.update(func(s *Status) { s.Remaining = remaining })
		c.report.Countdown(remaining)
		c.Sleep(time.Second)
		if c.cancel.Escalated() {
			aborted = true
			break
		}
	}
	c.update(func(s *Status) { s.Remaining = 0 })
	if err := c.shutter.Close(); err != nil {
		c.ioError("close", err)
	}
	if aborted {
		return ErrAborted
	}
	return nil
}

func (c *Cycle) settle() error {
	c.setPhase(PhaseSettling)
	c.report.DitherStart()
	if err := c.guide.Dither(c.cfg.Dithering); err != nil {
		return &GuideError{Op: "dither", Err: err}
	}
	limit := util.CeilSecs(c.cfg.Dithering.SettleTimeout) + util.CeilSecs(c.cfg.Dithering.SettleTime) + settlePollMargin
	for polls := 1; ; polls++ {
		st, err := c.guide.PollSettle()
		if err != nil {
			return &GuideError{Op: "settle", Err: err}
		}
		if st.Done {
			c.report.DitherDone()
			return nil
		}
		if polls >= limit {
			return &GuideError{Op: "settle", Err: ErrSettleTimeout}
		}
		c.report.SettleProgress(st)
		c.Sleep(time.Second)
		if c.cancel.Escalated() {
			return ErrAborted
		}
	}
}

func (c *Cycle) pause() error {
	c.setPhase(PhasePausing)
	c.report.Pausing(c.cfg.Pause)
	for i := 0; i < c.cfg.Pause; i++ {
		c.Sleep(time.Second)
		if c.cancel.Escalated() {
			return ErrAborted
		}
	}
	return nil
}

func (c *Cycle) ioError(op string, err error) {
	c.update(func(s *Status) { s.IOErrors++ })
	log.Println(&IOError{Op: op, Err: err})
}

// finish is the single cleanup path.  Failures are logged, not returned, so
// they never mask the error that ended the run.
func (c *Cycle) finish() {
	if err := c.shutter.Close(); err != nil {
		log.Printf("cycle: closing shutter during cleanup: %v", err)
	}
	if c.guide != nil {
		if err := c.guide.Disconnect(); err != nil {
			log.Printf("cycle: disconnecting guider: %v", err)
		}
	}
	c.update(func(s *Status) {
		s.Phase = PhaseDone
		s.Remaining = 0
	})
}
