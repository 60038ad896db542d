// Package relay rotates a fixed message set through a fixed identity set
// into one target chat on a jittered cadence.
//
// Each tick sends exactly one (identity, message) pair through the
// dispatch engine, then advances the identity cursor. When the identity
// cursor wraps, the message cursor advances, so every identity carries a
// message before any message repeats.
package relay

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"tgfleet/internal/dispatch"
	"tgfleet/internal/metrics"
	"tgfleet/internal/runtime/supervisor"
	"tgfleet/internal/storage"
	logx "tgfleet/pkg/logx"
)

// Config is the relay rotation setup. Interval is the base pause between
// ticks; each sleep is drawn uniformly from interval±jitter, floored at
// one second.
type Config struct {
	Target     string
	Identities []string
	Messages   []string
	Interval   time.Duration
	Jitter     time.Duration
}

func (c Config) complete() bool {
	return c.Target != "" && len(c.Identities) > 0 && len(c.Messages) > 0 && c.Interval > 0
}

var (
	ErrIncomplete = errors.New("relay: configuration incomplete")
	ErrRunning    = errors.New("relay: already running")
)

// Dispatcher is the sending collaborator, satisfied by *dispatch.Engine.
type Dispatcher interface {
	SendText(ctx context.Context, target, text string, keys []string) (int, []dispatch.Result)
}

type Status struct {
	Running       bool
	Target        string
	IdentityCount int
	MessageCount  int
	IdentityIndex int
	MessageIndex  int
	TotalSent     uint64
	Interval      time.Duration
	Jitter        time.Duration
}

type Scheduler struct {
	disp  Dispatcher
	store storage.Store // may be nil
	met   *metrics.Metrics
	clk   clock.Clock
	rng   *rand.Rand
	log   logx.Logger

	mu        sync.Mutex
	cfg       Config
	running   bool
	cancel    context.CancelFunc
	sup       *supervisor.Supervisor
	identIdx  int
	msgIdx    int
	totalSent uint64
}

type Option func(*Scheduler)

func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clk = clk }
}

func New(disp Dispatcher, store storage.Store, met *metrics.Metrics, log logx.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		disp:  disp,
		store: store,
		met:   met,
		clk:   clock.New(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		log:   log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Configure replaces the rotation setup and resets the cursors. Rejected
// while the loop is running.
func (s *Scheduler) Configure(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.cfg = cfg
	s.identIdx = 0
	s.msgIdx = 0
	return nil
}

// Start spawns the rotation loop. A second Start while running is a
// no-op; an incomplete configuration is rejected before anything spawns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if !s.cfg.complete() {
		return ErrIncomplete
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sup = supervisor.New(loopCtx, supervisor.WithLogger(s.log))
	s.running = true
	s.sup.Go0("relay.loop", func(ctx context.Context) {
		s.loop(ctx)
		// Covers the parent context getting canceled out from under us;
		// Stop clears the flag itself before canceling.
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	})
	s.log.Info("relay started",
		logx.String("target", s.cfg.Target),
		logx.Int("identities", len(s.cfg.Identities)),
		logx.Int("messages", len(s.cfg.Messages)),
		logx.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop cancels the loop and waits for it to exit. Idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, sup := s.cancel, s.sup
	s.cancel, s.sup = nil, nil
	s.mu.Unlock()

	cancel()
	err := sup.Wait(ctx)
	s.log.Info("relay stopped")
	return err
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:       s.running,
		Target:        s.cfg.Target,
		IdentityCount: len(s.cfg.Identities),
		MessageCount:  len(s.cfg.Messages),
		IdentityIndex: s.identIdx,
		MessageIndex:  s.msgIdx,
		TotalSent:     s.totalSent,
		Interval:      s.cfg.Interval,
		Jitter:        s.cfg.Jitter,
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.tick(ctx)
		if !s.sleep(ctx) {
			return
		}
	}
}

// tick sends the current (identity, message) pair and advances the
// rotation. Send failures are logged and swallowed so one bad tick does
// not end the relay.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if !s.cfg.complete() {
		s.mu.Unlock()
		return
	}
	target := s.cfg.Target
	identity := s.cfg.Identities[s.identIdx]
	message := s.cfg.Messages[s.msgIdx]
	s.advanceLocked()
	s.mu.Unlock()

	if s.met != nil {
		s.met.RelayTicksTotal.Inc()
	}
	ok, results := s.disp.SendText(ctx, target, message, []string{identity})
	if ok > 0 {
		s.mu.Lock()
		s.totalSent += uint64(ok)
		s.mu.Unlock()
		if s.met != nil {
			s.met.RelaySentTotal.Inc()
		}
		return
	}
	for _, r := range results {
		if r.Outcome == dispatch.OutcomeSuccess {
			continue
		}
		s.log.Warn("relay tick failed",
			logx.String("outcome", string(r.Outcome)),
			logx.String("reason", r.Reason),
			logx.Err(r.Err))
	}
}

// advanceLocked moves the identity cursor; when it wraps, the message
// cursor moves too.
func (s *Scheduler) advanceLocked() {
	s.identIdx = (s.identIdx + 1) % len(s.cfg.Identities)
	if s.identIdx == 0 {
		s.msgIdx = (s.msgIdx + 1) % len(s.cfg.Messages)
	}
}

func (s *Scheduler) sleep(ctx context.Context) bool {
	s.mu.Lock()
	interval, jitter := s.cfg.Interval, s.cfg.Jitter
	var delta time.Duration
	if jitter > 0 {
		delta = time.Duration(s.rng.Int63n(int64(2*jitter)+1)) - jitter
	}
	s.mu.Unlock()

	wait := interval + delta
	if wait < time.Second {
		wait = time.Second
	}
	t := s.clk.Timer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
