// Package config loads the process configuration from a JSON or YAML
// file. Unknown keys are rejected so stale or misspelled settings are
// caught at startup instead of being silently ignored.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Config is the resolved runtime view of File: duration strings parsed,
// defaults applied, cross-field checks done.
type Config struct {
	Logging  LoggingConfig
	Sessions SessionsConfig
	Telegram TelegramConfig

	Pool struct {
		MaxParallel       int
		DisconnectTimeout time.Duration
	}
	Dispatch struct {
		PaceDelay  time.Duration
		MaxRetries int
		RatePerSec int
	}
	RateLimit struct {
		RetryBase     time.Duration
		RetryMaxDelay time.Duration
		MaxWait       time.Duration
	}
	Storage struct {
		Driver      string
		Path        string
		BusyTimeout time.Duration
	}
	Maintenance struct {
		Enabled  bool
		Schedule string
		LogKeep  time.Duration
	}
	Metrics struct {
		Enabled bool
		Addr    string
	}
}

// Load parses, resolves, and validates the file at path.
func Load(path string) (*Config, error) {
	f, err := Parse(path)
	if err != nil {
		return nil, err
	}
	return f.Resolve()
}

// Parse reads the raw file without applying defaults.
func Parse(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated JSON documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &f, nil
}

// Resolve applies defaults and parses duration strings.
func (f *File) Resolve() (*Config, error) {
	var c Config
	c.Logging = f.Logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	c.Sessions = f.Sessions
	if strings.TrimSpace(c.Sessions.Dir) == "" {
		return nil, fmt.Errorf("sessions.dir: required")
	}

	c.Telegram = f.Telegram

	if p := f.Pool; p != nil {
		c.Pool.MaxParallel = p.MaxParallel
		d, err := parseDuration("pool.disconnect_timeout", p.DisconnectTimeout)
		if err != nil {
			return nil, err
		}
		c.Pool.DisconnectTimeout = d
	}

	c.Dispatch.PaceDelay = 2 * time.Second
	if d := f.Dispatch; d != nil {
		c.Dispatch.MaxRetries = d.MaxRetries
		c.Dispatch.RatePerSec = d.RatePerSec
		if d.PaceDelay != "" {
			pd, err := parseDuration("dispatch.pace_delay", d.PaceDelay)
			if err != nil {
				return nil, err
			}
			c.Dispatch.PaceDelay = pd
		}
	}

	if r := f.RateLimit; r != nil {
		var err error
		if c.RateLimit.RetryBase, err = parseDuration("rate_limit.retry_base", r.RetryBase); err != nil {
			return nil, err
		}
		if c.RateLimit.RetryMaxDelay, err = parseDuration("rate_limit.retry_max_delay", r.RetryMaxDelay); err != nil {
			return nil, err
		}
		if c.RateLimit.MaxWait, err = parseDuration("rate_limit.max_wait", r.MaxWait); err != nil {
			return nil, err
		}
	}

	c.Storage.Driver = "none"
	if s := f.Storage; s != nil {
		switch s.Driver {
		case "sqlite", "file", "none", "":
		default:
			return nil, fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		c.Storage.Driver = s.Driver
		if c.Storage.Driver == "" {
			c.Storage.Driver = "none"
		}
		c.Storage.Path = s.Path
		bt, err := parseDuration("storage.busy_timeout", s.BusyTimeout)
		if err != nil {
			return nil, err
		}
		c.Storage.BusyTimeout = bt
		if c.Storage.Driver != "none" && strings.TrimSpace(c.Storage.Path) == "" {
			return nil, fmt.Errorf("storage.path: required for driver %q", c.Storage.Driver)
		}
	}

	if m := f.Maintenance; m != nil {
		c.Maintenance.Enabled = m.Enabled
		c.Maintenance.Schedule = m.Schedule
		lk, err := parseDuration("maintenance.log_keep", m.LogKeep)
		if err != nil {
			return nil, err
		}
		c.Maintenance.LogKeep = lk
	}

	if m := f.Metrics; m != nil {
		c.Metrics.Enabled = m.Enabled
		c.Metrics.Addr = m.Addr
		if c.Metrics.Enabled && c.Metrics.Addr == "" {
			c.Metrics.Addr = "127.0.0.1:9180"
		}
	}

	return &c, nil
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
