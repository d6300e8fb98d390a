package main

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"

	"github.com/githubert/astroshutter/cycle"
	"github.com/githubert/astroshutter/guider"
)

// ConfigFileName is the default config file, read from the working directory
var ConfigFileName = "astroshutter.yml"

// Config is the merged configuration: defaults, then the config file, then
// flags given on the command line
type Config struct {
	// Exposure is the exposure length in seconds
	Exposure int `koanf:"exposure" yaml:"exposure"`

	// Count is the number of exposures, -1 for no limit
	Count int `koanf:"count" yaml:"count"`

	// Pause is the wait between exposures in seconds
	Pause int `koanf:"pause" yaml:"pause"`

	Dither bool `koanf:"dither" yaml:"dither"`

	// DarkEvery makes every n-th exposure a dark frame, 0 disables
	DarkEvery int `koanf:"dark-every" yaml:"dark-every"`

	// GuideHost is the PHD2 host, optionally with :port
	GuideHost string `koanf:"guide-host" yaml:"guide-host"`

	SerialPort string `koanf:"serial-port" yaml:"serial-port"`
	Baud       int    `koanf:"baud" yaml:"baud"`

	DitherAmount  float64 `koanf:"dither-amount" yaml:"dither-amount"`
	RAOnly        bool    `koanf:"ra-only" yaml:"ra-only"`
	SettlePixels  float64 `koanf:"settle-pixels" yaml:"settle-pixels"`
	SettleTime    float64 `koanf:"settle-time" yaml:"settle-time"`
	SettleTimeout float64 `koanf:"settle-timeout" yaml:"settle-timeout"`

	// HTTPAddr enables the status server when not empty, e.g. ":8000"
	HTTPAddr string `koanf:"http-addr" yaml:"http-addr"`

	// Spinner draws the countdown with an animated spinner
	Spinner bool `koanf:"spinner" yaml:"spinner"`
}

func defaultSerialPort() string {
	switch runtime.GOOS {
	case "windows":
		return "COM3"
	case "darwin":
		return "/dev/tty.usbserial"
	default:
		return "/dev/ttyUSB0"
	}
}

// DefaultConfig is the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		Exposure:      300,
		Count:         cycle.Unbounded,
		Pause:         5,
		GuideHost:     "localhost",
		SerialPort:    defaultSerialPort(),
		Baud:          9600,
		DitherAmount:  guider.DefaultDither.Amount,
		SettlePixels:  guider.DefaultDither.SettlePixels,
		SettleTime:    guider.DefaultDither.SettleTime,
		SettleTimeout: guider.DefaultDither.SettleTimeout,
	}
}

// Cycle extracts the loop configuration
func (c Config) Cycle() cycle.Config {
	return cycle.Config{
		Exposure:  c.Exposure,
		Pause:     c.Pause,
		Count:     c.Count,
		Dither:    c.Dither,
		DarkEvery: c.DarkEvery,
		Dithering: guider.DitherParams{
			Amount:        c.DitherAmount,
			RAOnly:        c.RAOnly,
			SettlePixels:  c.SettlePixels,
			SettleTime:    c.SettleTime,
			SettleTimeout: c.SettleTimeout,
		},
	}
}

// Validate checks the fields the loop does not know about, then the loop's own
func (c Config) Validate() error {
	if c.SerialPort == "" {
		return errors.New("serial-port must not be empty")
	}
	if c.Baud <= 0 {
		return fmt.Errorf("baud must be positive, got %d", c.Baud)
	}
	if c.Dither && c.GuideHost == "" {
		return errors.New("guide-host must not be empty when dithering")
	}
	return c.Cycle().Validate()
}

// registerFlags declares every Config field as a flag.  The defaults shown in
// --help are DefaultConfig's; the values actually used come from loadConfig.
func registerFlags(flags *pflag.FlagSet) {
	d := DefaultConfig()
	flags.StringP("config", "c", ConfigFileName, "config file (yaml), ignored if missing unless given explicitly")
	flags.IntP("exposure", "e", d.Exposure, "exposure length in seconds")
	flags.IntP("count", "n", d.Count, "number of exposures, -1 for no limit")
	flags.IntP("pause", "p", d.Pause, "pause between exposures in seconds")
	flags.BoolP("dither", "d", d.Dither, "dither with PHD2 between exposures")
	flags.Int("dark-every", d.DarkEvery, "make every n-th exposure a dark frame, 0 disables")
	flags.String("guide-host", d.GuideHost, "PHD2 host name, optionally host:port")
	flags.String("serial-port", d.SerialPort, "serial port of the shutter release")
	flags.Int("baud", d.Baud, "serial baud rate")
	flags.Float64("dither-amount", d.DitherAmount, "dither amount in pixels")
	flags.Bool("ra-only", d.RAOnly, "dither in RA only")
	flags.Float64("settle-pixels", d.SettlePixels, "guide error in pixels below which the mount is settled")
	flags.Float64("settle-time", d.SettleTime, "seconds the guide error must stay below settle-pixels")
	flags.Float64("settle-timeout", d.SettleTimeout, "seconds PHD2 may take to settle")
	flags.String("http-addr", d.HTTPAddr, "serve status over HTTP at this address, e.g. :8000")
	flags.Bool("spinner", d.Spinner, "animated countdown (terminal only)")
}

// normalizeFlag maps the option names of earlier releases to current ones
func normalizeFlag(f *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "phd2-host":
		name = "guide-host"
	}
	return pflag.NormalizedName(name)
}

// loadConfig layers the defaults, the config file and the flags that were set.
// A missing config file is an error only if it was named explicitly and
// allowMissing is false.
func loadConfig(flags *pflag.FlagSet, allowMissing bool) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	path, _ := flags.GetString("config")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			missing := errors.Is(err, fs.ErrNotExist)
			if !missing || (flags.Changed("config") && !allowMissing) {
				return nil, fmt.Errorf("loading config %s: %w", path, err)
			}
		}
	}

	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return nil, fmt.Errorf("loading flags: %w", err)
	}
	return k, nil
}

// resolveConfig loads and validates the Config for flags
func resolveConfig(flags *pflag.FlagSet, allowMissing bool) (Config, error) {
	c := Config{}
	k, err := loadConfig(flags, allowMissing)
	if err != nil {
		return c, err
	}
	if err := k.Unmarshal("", &c); err != nil {
		return c, err
	}
	return c, c.Validate()
}
