// Package console is the operator's view of the exposure loop: progress
// lines on a terminal and the blocking prompts for dark frames.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/githubert/astroshutter/cycle"
	"github.com/githubert/astroshutter/guider"
)

// clearLine erases the current terminal line, used before overwriting the
// countdown which is written without a newline
const clearLine = "\x1b[2K"

// Plain writes progress as plain lines, the countdown is redrawn in place
// with a carriage return
type Plain struct {
	w io.Writer
}

// NewPlain returns a Plain reporter writing to w
func NewPlain(w io.Writer) *Plain {
	return &Plain{w: w}
}

func (p *Plain) Banner(cfg cycle.Config) {
	not := ""
	if !cfg.Dither {
		not = "not "
	}
	fmt.Fprintf(p.w, "Looping with %ds exposure, %ds pause, %susing dithering.\n", cfg.Exposure, cfg.Pause, not)
	if cfg.Bounded() {
		fmt.Fprintf(p.w, "Taking %d exposures.\n", cfg.Count)
	}
	if cfg.DarkEvery > 0 {
		fmt.Fprintf(p.w, "Dark frame every %d exposures.\n", cfg.DarkEvery)
	}
}

func (p *Plain) Countdown(remaining int) {
	fmt.Fprintf(p.w, "%s%ds left.\r", clearLine, remaining)
}

func (p *Plain) ExposureDone(index, count int) {
	fmt.Fprintf(p.w, "%s%s\n", clearLine, doneLine(index, count))
}

func doneLine(index, count int) string {
	if count == cycle.Unbounded {
		return fmt.Sprintf("Exposure %d done.", index)
	}
	return fmt.Sprintf("Exposure %d of %d done.", index, count)
}

func (p *Plain) AllDone() {
	fmt.Fprintln(p.w, "All exposures done. Exiting.")
}

func (p *Plain) Stopping() {
	fmt.Fprintln(p.w, "Exiting.")
}

func (p *Plain) DitherStart() {
	fmt.Fprint(p.w, "Dithering")
}

func (p *Plain) SettleProgress(guider.SettleStatus) {
	fmt.Fprint(p.w, ".")
}

func (p *Plain) DitherDone() {
	fmt.Fprintln(p.w)
}

func (p *Plain) Pausing(secs int) {
	fmt.Fprintf(p.w, "Next exposure in %ds.\n", secs)
}

// Prompter asks the operator to confirm by pressing Enter
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter returns a Prompter reading answers from in
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Confirm prints msg and blocks until a line is read.  A closed input is an
// error: nobody is there to cap the telescope.
func (p *Prompter) Confirm(msg string) error {
	fmt.Fprintf(p.out, "%s%s ", clearLine, strings.TrimSpace(msg))
	_, err := p.in.ReadString('\n')
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("console: no operator input: %w", err)
	}
	return err
}
