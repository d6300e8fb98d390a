/*Command astroshutter takes a series of camera exposures through a serial
shutter release, optionally dithering with PHD2 between them.

Usage:

	astroshutter [flags]
	astroshutter conf|mkconf|version [flags]

Press Ctrl-C once to stop after the current exposure, twice to close the
shutter and exit immediately.
*/
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	yml "gopkg.in/yaml.v2"

	"github.com/githubert/astroshutter/comm"
	"github.com/githubert/astroshutter/console"
	"github.com/githubert/astroshutter/cycle"
	"github.com/githubert/astroshutter/guider"
	"github.com/githubert/astroshutter/interrupt"
	"github.com/githubert/astroshutter/server"
	"github.com/githubert/astroshutter/shutter"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

// exitError carries the process exit status for an error
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, cycle.ErrAborted) {
		return interrupt.ExitCode
	}
	return 1
}

func newRootCommand(stdin io.Reader) *cobra.Command {
	root := &cobra.Command{
		Use:   "astroshutter",
		Short: "repeated exposures through a serial shutter release, with PHD2 dithering",
		Long: `astroshutter opens the camera shutter through a serial release box, waits out
the exposure, closes it, and repeats.  With --dither it asks PHD2 to dither
between exposures and waits for guiding to settle.  With --dark-every=N every
N-th exposure is a dark frame and you are asked to cap and uncap the telescope.

Settings are read from astroshutter.yml if present; flags override the file.

Ctrl-C once stops after the current exposure.  Ctrl-C again closes the shutter
and exits immediately.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveConfig(cmd.Flags(), false)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			return run(c, stdin, cmd.OutOrStdout())
		},
	}
	registerFlags(root.PersistentFlags())
	root.SetGlobalNormalizationFunc(normalizeFlag)

	root.AddCommand(&cobra.Command{
		Use:   "conf",
		Short: "print the merged configuration as yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveConfig(cmd.Flags(), false)
			if err != nil {
				return err
			}
			return yml.NewEncoder(cmd.OutOrStdout()).Encode(c)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "mkconf",
		Short: "write the merged configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveConfig(cmd.Flags(), true)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("config")
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := yml.NewEncoder(f).Encode(c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "astroshutter version %v\n", Version)
		},
	})
	return root
}

// run wires the hardware to the loop and runs it
func run(c Config, stdin io.Reader, stdout io.Writer) error {
	ctl := interrupt.New(stdout)
	stopSignals := ctl.Notify()
	defer stopSignals()

	sh, err := shutter.Dial(comm.SerialConf(c.SerialPort, c.Baud))
	if err != nil {
		return fmt.Errorf("opening shutter release on %s: %w", c.SerialPort, err)
	}
	defer func() {
		if err := sh.Release(); err != nil {
			log.Printf("releasing %s: %v", c.SerialPort, err)
		}
	}()
	ctl.OnEscalate(sh.ForceClose)

	var g cycle.Guider
	if c.Dither {
		gc := guider.New(c.GuideHost)
		ctl.OnEscalate(func() {
			if err := gc.Disconnect(); err != nil {
				log.Printf("disconnecting from PHD2: %v", err)
			}
		})
		g = gc
	}

	var rep cycle.Reporter = console.NewPlain(stdout)
	var prompt cycle.Prompter = console.NewPrompter(stdin, stdout)
	if c.Spinner {
		sp, err := console.NewSpinner(stdout)
		if err != nil {
			log.Printf("spinner unavailable, using plain output: %v", err)
		} else {
			defer sp.Close()
			rep = sp
			prompt = sp.Prompter(prompt)
		}
	}

	loop, err := cycle.New(c.Cycle(), sh, g, ctl, prompt, rep)
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	if c.HTTPAddr != "" {
		srv := &http.Server{Addr: c.HTTPAddr, Handler: server.NewRouter(loop, ctl, sh)}
		go func() {
			log.Println("status server listening at", c.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("status server: %v", err)
			}
		}()
		defer srv.Close()
	}

	return loop.Run()
}

func main() {
	root := newRootCommand(os.Stdin)
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "astroshutter:", err)
	}
	os.Exit(exitCode(err))
}
