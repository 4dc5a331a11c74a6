// Package config loads the configuration of the server.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	EnginePebble = "pebble"
	EngineMemory = "memory"
)

// Config of the server. Durations are written the Go way ("1s", "5m"),
// page sizes in a human readable form ("128KiB").
type Config struct {
	Addr               string        `yaml:"addr"`
	Home               string        `yaml:"home"`
	Engine             string        `yaml:"engine"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	Workers            int           `yaml:"workers"`
	PageSize           string        `yaml:"page_size"`
	NumRetries         int           `yaml:"num_retries"`
	RetryPause         time.Duration `yaml:"retry_pause"`
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	ScanIdleTimeout    time.Duration `yaml:"scan_idle_timeout"`
	MaxScanBatch       int           `yaml:"max_scan_batch"`
	SyncWrites         bool          `yaml:"sync_writes"`
	LogLevel           string        `yaml:"log_level"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Addr:               ":9090",
		Home:               "data",
		Engine:             EnginePebble,
		CheckpointInterval: time.Second,
		Workers:            16,
		PageSize:           "128KiB",
		NumRetries:         100,
		RetryPause:         time.Millisecond,
		LockTimeout:        10 * time.Millisecond,
		ScanIdleTimeout:    5 * time.Minute,
		MaxScanBatch:       1000,
		LogLevel:           "info",
	}
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "cannot read config file %q", path)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "cannot parse config file %q", path)
	}

	return cfg, cfg.Validate()
}

// Validate checks that every field has a usable value.
func (c *Config) Validate() error {
	switch c.Engine {
	case EnginePebble:
		if c.Home == "" {
			return errors.New("home is required with the pebble engine")
		}
	case EngineMemory:
	default:
		return errors.Newf("unknown engine %q", c.Engine)
	}

	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Workers <= 0 {
		return errors.Newf("workers must be positive, got %d", c.Workers)
	}
	if c.NumRetries <= 0 {
		return errors.Newf("num_retries must be positive, got %d", c.NumRetries)
	}
	if c.MaxScanBatch <= 0 {
		return errors.Newf("max_scan_batch must be positive, got %d", c.MaxScanBatch)
	}
	if c.CheckpointInterval <= 0 {
		return errors.Newf("checkpoint_interval must be positive, got %s", c.CheckpointInterval)
	}
	if c.RetryPause < 0 || c.LockTimeout < 0 || c.ScanIdleTimeout < 0 {
		return errors.New("durations cannot be negative")
	}

	if _, err := c.PageSizeKB(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// PageSizeKB returns the page size in kilobytes.
func (c *Config) PageSizeKB() (uint32, error) {
	n, err := humanize.ParseBytes(c.PageSize)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid page_size %q", c.PageSize)
	}

	kb := n / 1024
	if kb == 0 || kb > 1<<20 {
		return 0, errors.Newf("page_size %q out of range", c.PageSize)
	}

	return uint32(kb), nil
}

// Level returns the log level.
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return lvl, errors.Wrapf(err, "invalid log_level %q", c.LogLevel)
	}

	return lvl, nil
}
