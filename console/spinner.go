package console

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/githubert/astroshutter/cycle"
	"github.com/githubert/astroshutter/guider"
	"github.com/theckman/yacspin"
)

// Spinner shows the exposure countdown and the settle wait as an animated
// spinner.  Everything else is written by the embedded Plain reporter.
type Spinner struct {
	*Plain
	spinner *yacspin.Spinner
	running bool
}

// NewSpinner returns a Spinner drawing on w, which should be a terminal
func NewSpinner(w io.Writer) (*Spinner, error) {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
		Writer:            w,
	})
	if err != nil {
		return nil, err
	}
	return &Spinner{Plain: NewPlain(w), spinner: s}, nil
}

func (s *Spinner) start(suffix string) {
	if s.running {
		return
	}
	s.spinner.Suffix(suffix)
	if err := s.spinner.Start(); err != nil {
		log.Printf("console: starting spinner: %v", err)
		return
	}
	s.running = true
}

func (s *Spinner) stop(msg string) {
	if !s.running {
		return
	}
	s.spinner.StopMessage(msg)
	if err := s.spinner.Stop(); err != nil {
		log.Printf("console: stopping spinner: %v", err)
	}
	s.running = false
}

func (s *Spinner) Countdown(remaining int) {
	s.start(" exposing")
	s.spinner.Message(fmt.Sprintf("%ds left", remaining))
}

func (s *Spinner) ExposureDone(index, count int) {
	if !s.running {
		s.Plain.ExposureDone(index, count)
		return
	}
	s.stop(doneLine(index, count))
}

func (s *Spinner) DitherStart() {
	s.start(" dithering")
	s.spinner.Message("waiting for PHD2")
}

func (s *Spinner) SettleProgress(st guider.SettleStatus) {
	s.spinner.Message(fmt.Sprintf("guide error %.2fpx, settling for %.0fs", st.Distance, st.Time))
}

func (s *Spinner) DitherDone() {
	s.stop("settled")
}

// Prompter returns p wrapped so the spinner stops before every prompt,
// otherwise the next frame overdraws the question
func (s *Spinner) Prompter(p cycle.Prompter) cycle.Prompter {
	return &spinnerPrompter{s: s, p: p}
}

type spinnerPrompter struct {
	s *Spinner
	p cycle.Prompter
}

func (sp *spinnerPrompter) Confirm(msg string) error {
	sp.s.stop("exposure finished")
	return sp.p.Confirm(msg)
}

// Close stops a spinner left running by a failed run
func (s *Spinner) Close() {
	if !s.running {
		return
	}
	s.spinner.StopFailMessage("interrupted")
	if err := s.spinner.StopFail(); err != nil {
		log.Printf("console: stopping spinner: %v", err)
	}
	s.running = false
}
