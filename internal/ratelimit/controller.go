package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// StatusKind is the last recorded outcome for an identity.
type StatusKind string

const (
	StatusIdle      StatusKind = "idle"
	StatusSuccess   StatusKind = "success"
	StatusFloodWait StatusKind = "flood_wait"
	StatusError     StatusKind = "error"
)

// Status is the last recorded outcome plus its detail.
type Status struct {
	Kind    StatusKind
	Seconds int    // flood wait length, when Kind == StatusFloodWait
	Reason  string // error reason, when Kind == StatusError
}

type Config struct {
	RetryBase     time.Duration // base for exponential backoff; default 1s
	RetryMaxDelay time.Duration // backoff ceiling; default 15s
	MaxWait       time.Duration // flood waits above this are never slept inline; default 30s
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
	return c
}

type entry struct {
	floodWaitUntil      time.Time
	consecutiveFailures int
	floodWaitCount      int
	last                Status
}

// Controller tracks per-identity flood-wait windows and failure streaks.
// Pure state plus a clock; it performs no I/O and never sleeps.
type Controller struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

type Option func(*Controller)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func New(cfg Config, opts ...Option) *Controller {
	ctl := &Controller{
		cfg:     cfg.withDefaults(),
		clock:   clock.New(),
		entries: map[string]*entry{},
	}
	for _, o := range opts {
		o(ctl)
	}
	return ctl
}

func (c *Controller) get(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{last: Status{Kind: StatusIdle}}
		c.entries[key] = e
	}
	return e
}

// ShouldDefer returns the remaining flood-wait window for key, if any.
// While the window is in the future no send may be attempted.
func (c *Controller) ShouldDefer(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.floodWaitUntil.IsZero() {
		return 0, false
	}
	rem := e.floodWaitUntil.Sub(c.clock.Now())
	if rem <= 0 {
		return 0, false
	}
	return rem, true
}

// RecordFloodWait notes a server-imposed cool-down. The window is
// authoritative; it is never attempted early and outlives a reconnect.
func (c *Controller) RecordFloodWait(key string, seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.get(key)
	e.floodWaitUntil = c.clock.Now().Add(time.Duration(seconds) * time.Second)
	e.floodWaitCount++
	e.last = Status{Kind: StatusFloodWait, Seconds: seconds}
}

// RecordSuccess clears the flood-wait window and the failure streak.
func (c *Controller) RecordSuccess(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.get(key)
	e.floodWaitUntil = time.Time{}
	e.consecutiveFailures = 0
	e.last = Status{Kind: StatusSuccess}
}

// RecordFailure notes a transient failure.
func (c *Controller) RecordFailure(key, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.get(key)
	e.consecutiveFailures++
	e.last = Status{Kind: StatusError, Reason: reason}
}

// NextBackoffDelay returns base * 2^consecutiveFailures, capped.
// Used only for transient errors; flood waits are never retried early.
func (c *Controller) NextBackoffDelay(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	if e, ok := c.entries[key]; ok {
		n = e.consecutiveFailures
	}
	d := c.cfg.RetryBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= c.cfg.RetryMaxDelay {
			return c.cfg.RetryMaxDelay
		}
	}
	return d
}

// TooLong reports whether a flood wait of the given length exceeds the
// configured ceiling for inline waiting.
func (c *Controller) TooLong(seconds int) bool {
	return time.Duration(seconds)*time.Second > c.cfg.MaxWait
}

// LastStatus returns the last recorded outcome for key.
func (c *Controller) LastStatus(key string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.last
	}
	return Status{Kind: StatusIdle}
}

// FloodWaitCount returns how often key has been flood-waited this run.
func (c *Controller) FloodWaitCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.floodWaitCount
	}
	return 0
}

// ResetFloodWaitCount clears the per-run flood wait counter for key.
func (c *Controller) ResetFloodWaitCount(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.floodWaitCount = 0
	}
}
