// Package config loads scheduler settings from TOML files
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/mohae/deepcopy"
	"github.com/vkngwrapper/gpusched/fifo"
	"golang.org/x/exp/slog"
)

// Duration is a time.Duration written as a Go duration string ("250ms", "3s") in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", string(text))
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type PoolConfig struct {
	Channels          uint32 `toml:"channels"`
	MaxChannelsPerTSG uint32 `toml:"max_channels_per_tsg"`
	RunlistEntries    int    `toml:"runlist_entries"`
	SMs               uint32 `toml:"sms"`
}

type TimeoutConfig struct {
	RunlistPending   Duration `toml:"runlist_pending"`
	Preempt          Duration `toml:"preempt"`
	ChannelRefWait   Duration `toml:"channel_ref_wait"`
	Ctxsw            Duration `toml:"ctxsw"`
	PollInitialDelay Duration `toml:"poll_initial_delay"`
	PollMaxDelay     Duration `toml:"poll_max_delay"`
}

type PreemptConfig struct {
	// Retries follows fifo.CreateOptions.PreemptRetries: zero is the default and negative disables
	Retries               int `toml:"retries"`
	EmulationTimeoutScale int `toml:"emulation_timeout_scale"`
}

type TimesliceConfig struct {
	MinUS     uint32 `toml:"min_us"`
	MaxUS     uint32 `toml:"max_us"`
	DefaultUS uint32 `toml:"default_us"`
}

type RecoveryConfig struct {
	DumpsPerSecond float64 `toml:"dumps_per_second"`
	DumpBurst      int     `toml:"dump_burst"`
}

type LogConfig struct {
	// Level is one of debug, info, warn or error
	Level string `toml:"level"`
	// Format is json or text
	Format string `toml:"format"`
}

// EngineConfig describes one engine of a simulated chip
type EngineConfig struct {
	ID       uint32   `toml:"id"`
	Type     string   `toml:"type"`
	Runlist  uint32   `toml:"runlist"`
	Instance uint32   `toml:"instance"`
	PBDMAs   []uint32 `toml:"pbdmas"`
}

// Config is the contents of a scheduler configuration file. Every field may be left out, in which
// case the scheduler's own default is used.
type Config struct {
	Platform               string `toml:"platform"`
	ExternallySynchronized bool   `toml:"externally_synchronized"`
	InterleaveDisabled     bool   `toml:"interleave_disabled"`

	Pool      PoolConfig      `toml:"pool"`
	Timeouts  TimeoutConfig   `toml:"timeouts"`
	Preempt   PreemptConfig   `toml:"preempt"`
	Timeslice TimesliceConfig `toml:"timeslice"`
	Recovery  RecoveryConfig  `toml:"recovery"`
	Log       LogConfig       `toml:"log"`

	// Engines is only read by tools that simulate a chip
	Engines []EngineConfig `toml:"engine"`
}

// Load reads and validates the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}

	config, err := Parse(string(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config %s", path)
	}
	return config, nil
}

// Parse decodes and validates a TOML document. Keys that do not map to a setting are rejected.
func Parse(data string) (*Config, error) {
	config := &Config{}
	md, err := toml.Decode(data, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}

	undecoded := md.Undecoded()
	if len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, errors.Newf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	err = config.Validate()
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Validate checks the settings that can be checked without building a scheduler
func (c *Config) Validate() error {
	var err error

	_, platformErr := c.platform()
	err = errors.CombineErrors(err, platformErr)

	_, levelErr := c.LogLevel()
	err = errors.CombineErrors(err, levelErr)

	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "text" {
		err = errors.CombineErrors(err, errors.Newf("unknown log format %q", c.Log.Format))
	}

	seen := make(map[uint32]bool)
	for _, engine := range c.Engines {
		if seen[engine.ID] {
			err = errors.CombineErrors(err, errors.Newf("engine %d is listed twice", engine.ID))
		}
		seen[engine.ID] = true

		if len(engine.PBDMAs) == 0 {
			err = errors.CombineErrors(err, errors.Newf("engine %d has no pbdmas", engine.ID))
		}
	}

	return err
}

func (c *Config) platform() (fifo.Platform, error) {
	switch strings.ToLower(c.Platform) {
	case "", "silicon":
		return fifo.PlatformSilicon, nil
	case "emulation":
		return fifo.PlatformEmulation, nil
	}
	return fifo.PlatformSilicon, errors.Newf("unknown platform %q", c.Platform)
}

// LogLevel returns the slog level named by the log section, defaulting to info
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Newf("unknown log level %q", c.Log.Level)
}

// Options converts the configuration to scheduler create options. Callbacks and the clock are left
// for the caller to fill in.
func (c *Config) Options() (fifo.CreateOptions, error) {
	platform, err := c.platform()
	if err != nil {
		return fifo.CreateOptions{}, err
	}

	var flags fifo.CreateFlags
	if c.ExternallySynchronized {
		flags |= fifo.CreateExternallySynchronized
	}
	if c.InterleaveDisabled {
		flags |= fifo.CreateInterleaveDisabled
	}

	return fifo.CreateOptions{
		Flags: flags,

		NumChannels:       c.Pool.Channels,
		MaxChannelsPerTSG: c.Pool.MaxChannelsPerTSG,
		NumRunlistEntries: c.Pool.RunlistEntries,
		NumSM:             c.Pool.SMs,

		Platform:              platform,
		PreemptRetries:        c.Preempt.Retries,
		EmulationTimeoutScale: c.Preempt.EmulationTimeoutScale,

		RunlistPendingTimeout: c.Timeouts.RunlistPending.Duration,
		PreemptTimeout:        c.Timeouts.Preempt.Duration,
		ChannelRefWaitTimeout: c.Timeouts.ChannelRefWait.Duration,
		CtxswTimeout:          c.Timeouts.Ctxsw.Duration,
		PollInitialDelay:      c.Timeouts.PollInitialDelay.Duration,
		PollMaxDelay:          c.Timeouts.PollMaxDelay.Duration,

		TimesliceMinUS:     c.Timeslice.MinUS,
		TimesliceMaxUS:     c.Timeslice.MaxUS,
		TimesliceDefaultUS: c.Timeslice.DefaultUS,

		RecoveryDumpsPerSecond: c.Recovery.DumpsPerSecond,
		RecoveryDumpBurst:      c.Recovery.DumpBurst,
	}, nil
}
