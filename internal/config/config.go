// Package config handles configuration loading and validation for
// hawck-inputd.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"hawck-inputd/internal/logging"
)

// Config is the daemon configuration, loaded from TOML.
type Config struct {
	Socket  Socket  `toml:"socket"`
	Input   Input   `toml:"input"`
	Emitter Emitter `toml:"emitter"`
	Logging Logging `toml:"logging"`
}

// Socket configures the macro-daemon connection.
type Socket struct {
	// Path of the Unix stream socket the macro daemon listens on.
	Path string `toml:"path"`

	// ReplyTimeoutMs bounds each wait for a macro-daemon reply.
	ReplyTimeoutMs int `toml:"reply_timeout_ms"`
}

// Input configures device discovery and the passthrough key directory.
type Input struct {
	// Devices are the evdev nodes to grab at startup.
	Devices []string `toml:"devices"`

	// KeysDir holds the passthrough CSV descriptor files.
	KeysDir string `toml:"keys_dir"`

	// HotplugDir is watched for reappearing device nodes.
	HotplugDir string `toml:"hotplug_dir"`

	// HotplugGroup is the group new device nodes must belong to before the
	// daemon re-grabs them.
	HotplugGroup string `toml:"hotplug_group"`
}

// Emitter configures the synthetic output device.
type Emitter struct {
	// UinputPath is the uinput control node.
	UinputPath string `toml:"uinput_path"`

	// EventDelayUs is the pacing delay between synthetic writes, in
	// microseconds.
	EventDelayUs int `toml:"event_delay_us"`

	// HighWater is the buffered-event count that triggers an automatic
	// flush.
	HighWater int `toml:"high_water"`
}

// Logging mirrors the logging package's configuration in TOML form.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
	File   string `toml:"file"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Socket: Socket{
			Path:           "/var/lib/hawck-input/kbd.sock",
			ReplyTimeoutMs: 1024,
		},
		Input: Input{
			KeysDir:      "/var/lib/hawck-input/keys",
			HotplugDir:   "/dev/input",
			HotplugGroup: "input",
		},
		Emitter: Emitter{
			UinputPath:   "/dev/uinput",
			EventDelayUs: 3800,
			HighWater:    128,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads path and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Socket.Path == "" {
		return fmt.Errorf("socket.path must not be empty")
	}
	if c.Socket.ReplyTimeoutMs <= 0 {
		return fmt.Errorf("socket.reply_timeout_ms must be positive, got %d", c.Socket.ReplyTimeoutMs)
	}
	if c.Input.KeysDir == "" {
		return fmt.Errorf("input.keys_dir must not be empty")
	}
	if c.Input.HotplugDir == "" {
		return fmt.Errorf("input.hotplug_dir must not be empty")
	}
	if c.Emitter.EventDelayUs < 0 {
		return fmt.Errorf("emitter.event_delay_us must not be negative, got %d", c.Emitter.EventDelayUs)
	}
	if c.Emitter.HighWater <= 0 {
		return fmt.Errorf("emitter.high_water must be positive, got %d", c.Emitter.HighWater)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("logging.format: %w", err)
	}
	return nil
}

// EventDelay returns the emitter pacing delay as a duration.
func (c *Config) EventDelay() time.Duration {
	return time.Duration(c.Emitter.EventDelayUs) * time.Microsecond
}

// ReplyTimeout returns the macro-daemon reply deadline as a duration.
func (c *Config) ReplyTimeout() time.Duration {
	return time.Duration(c.Socket.ReplyTimeoutMs) * time.Millisecond
}

// LoggingConfig translates the TOML logging table into the logging
// package's Config.
func (c *Config) LoggingConfig() (*logging.Config, error) {
	lc := logging.DefaultConfig()
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	lc.Format = format
	if c.Logging.Output != "" {
		lc.Output = c.Logging.Output
	}
	if c.Logging.File != "" {
		lc.FilePath = c.Logging.File
	}
	return lc, nil
}
