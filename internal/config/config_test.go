package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hawck-inputd/internal/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hawck-inputd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
[input]
devices = ["/dev/input/event3", "/dev/input/event7"]
keys_dir = "/tmp/keys"

[emitter]
event_delay_us = 1000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"/dev/input/event3", "/dev/input/event7"}, cfg.Input.Devices)
	assert.Equal(t, "/tmp/keys", cfg.Input.KeysDir)
	assert.Equal(t, time.Millisecond, cfg.EventDelay())
	// Untouched sections keep defaults.
	assert.Equal(t, "/var/lib/hawck-input/kbd.sock", cfg.Socket.Path)
	assert.Equal(t, "input", cfg.Input.HotplugGroup)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty socket path", func(c *Config) { c.Socket.Path = "" }},
		{"zero reply timeout", func(c *Config) { c.Socket.ReplyTimeoutMs = 0 }},
		{"empty keys dir", func(c *Config) { c.Input.KeysDir = "" }},
		{"empty hotplug dir", func(c *Config) { c.Input.HotplugDir = "" }},
		{"negative delay", func(c *Config) { c.Emitter.EventDelayUs = -1 }},
		{"zero high water", func(c *Config) { c.Emitter.HighWater = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoggingConfig(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "file"
	cfg.Logging.File = "/tmp/h.log"

	lc, err := cfg.LoggingConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, "file", lc.Output)
	assert.Equal(t, "/tmp/h.log", lc.FilePath)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
[emitter]
high_water = 0
`)
	_, err := Load(path)
	assert.Error(t, err)
}
