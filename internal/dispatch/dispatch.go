package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"tgfleet/internal/metrics"
	"tgfleet/internal/pool"
	"tgfleet/internal/ratelimit"
	"tgfleet/internal/registry"
	"tgfleet/internal/storage"
	"tgfleet/internal/transport"
	logx "tgfleet/pkg/logx"
)

type Config struct {
	PaceDelay  time.Duration // pause between consecutive identities; 0 disables pacing
	MaxRetries int           // transient retries per identity; default 1, negative disables
	RatePerSec int           // global send ceiling across all identities
}

func (c Config) withDefaults() Config {
	if c.PaceDelay < 0 {
		c.PaceDelay = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 1
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	return c
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

const (
	SkipNotConnected     = "not_connected"
	SkipFloodWaitPending = "flood_wait_pending"
)

// Result is the per-identity outcome of one dispatch run. Reason carries
// the skip cause or the terminal failure detail.
type Result struct {
	Key     string
	Outcome Outcome
	Reason  string
	Err     error
	At      time.Time
}

// Engine fans a message out across the connected identities, pacing
// between them and honoring the controller's flood-wait state.
type Engine struct {
	cfg     Config
	pool    *pool.Pool
	ctl     *ratelimit.Controller
	store   storage.Store // may be nil
	met     *metrics.Metrics
	limiter *rate.Limiter
	clk     clock.Clock
	log     logx.Logger
}

type Option func(*Engine)

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

func New(cfg Config, p *pool.Pool, ctl *ratelimit.Controller, store storage.Store, met *metrics.Metrics, log logx.Logger, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		pool:    p,
		ctl:     ctl,
		store:   store,
		met:     met,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		clk:     clock.New(),
		log:     log,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SendText delivers text to target once per key. A nil keys slice means
// every currently connected identity. Returns the success count and one
// Result per key, in key order.
func (e *Engine) SendText(ctx context.Context, target, text string, keys []string) (int, []Result) {
	ref := transport.ParseTarget(target)
	op := func(c transport.Client) error {
		return c.SendText(ctx, ref, text)
	}
	return e.run(ctx, keys, target, text, "text", op)
}

// SendFile delivers the file at path with an optional caption, same
// fan-out semantics as SendText.
func (e *Engine) SendFile(ctx context.Context, target, path, caption string, keys []string) (int, []Result) {
	ref := transport.ParseTarget(target)
	op := func(c transport.Client) error {
		return c.SendFile(ctx, ref, path, caption)
	}
	return e.run(ctx, keys, target, path, "file", op)
}

func (e *Engine) run(ctx context.Context, keys []string, target, body, msgType string, op func(transport.Client) error) (int, []Result) {
	if keys == nil {
		keys = e.pool.Snapshot()
	}

	results := make([]Result, 0, len(keys))
	success := 0

	for i, key := range keys {
		res := e.sendOne(ctx, key, op)
		if res.Outcome == OutcomeSuccess {
			success++
		}
		e.record(ctx, key, target, body, msgType, res)
		results = append(results, res)

		if res.Outcome != OutcomeSkipped && i < len(keys)-1 {
			if err := e.sleep(ctx, e.cfg.PaceDelay); err != nil {
				for _, k := range keys[i+1:] {
					results = append(results, Result{Key: k, Outcome: OutcomeSkipped, Reason: "canceled", At: e.clk.Now()})
				}
				break
			}
		}
	}

	e.log.Info("dispatch finished",
		logx.String("target", target),
		logx.String("type", msgType),
		logx.Int("ok", success),
		logx.Int("total", len(keys)))
	return success, results
}

func (e *Engine) sendOne(ctx context.Context, key string, op func(transport.Client) error) Result {
	h, ok := e.pool.Borrow(key)
	if !ok {
		return Result{Key: key, Outcome: OutcomeSkipped, Reason: SkipNotConnected, At: e.clk.Now()}
	}
	if remain, deferred := e.ctl.ShouldDefer(key); deferred {
		e.log.Debug("send deferred",
			logx.String("key", registry.MaskPhone(key)),
			logx.Duration("remaining", remain))
		return Result{Key: key, Outcome: OutcomeSkipped, Reason: SkipFloodWaitPending, At: e.clk.Now()}
	}

	var last error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return Result{Key: key, Outcome: OutcomeFailed, Reason: "canceled", Err: err, At: e.clk.Now()}
		}

		err := h.Do(op)
		if err == nil {
			e.ctl.RecordSuccess(key)
			return Result{Key: key, Outcome: OutcomeSuccess, At: e.clk.Now()}
		}
		last = err

		// A flood wait terminates the attempt loop: repeating the send
		// only extends the penalty.
		if secs, ok := transport.AsFloodWait(err); ok {
			e.ctl.RecordFloodWait(key, secs)
			if e.met != nil {
				e.met.FloodWaitsTotal.Inc()
			}
			reason := fmt.Sprintf("flood_wait:%d", secs)
			if e.ctl.TooLong(secs) {
				reason = fmt.Sprintf("flood_wait_too_long:%d", secs)
				e.log.Warn("flood wait exceeds ceiling",
					logx.String("key", registry.MaskPhone(key)),
					logx.Int("seconds", secs))
			}
			return Result{
				Key:     key,
				Outcome: OutcomeFailed,
				Reason:  reason,
				Err:     err,
				At:      e.clk.Now(),
			}
		}
		if transport.IsAuthError(err) {
			e.ctl.RecordFailure(key, err.Error())
			return Result{Key: key, Outcome: OutcomeFailed, Reason: "auth", Err: err, At: e.clk.Now()}
		}

		e.ctl.RecordFailure(key, err.Error())
		if attempt < e.cfg.MaxRetries {
			if serr := e.sleep(ctx, e.ctl.NextBackoffDelay(key)); serr != nil {
				break
			}
		}
	}
	return Result{Key: key, Outcome: OutcomeFailed, Reason: "error", Err: last, At: e.clk.Now()}
}

func (e *Engine) record(ctx context.Context, key, target, body, msgType string, res Result) {
	if e.met != nil {
		e.met.SendsTotal.WithLabelValues(string(res.Outcome)).Inc()
	}
	if e.store == nil {
		return
	}

	entry := storage.SendLogEntry{
		Phone:       key,
		ChatID:      target,
		Message:     body,
		MessageType: msgType,
		SentAt:      res.At,
	}
	switch {
	case res.Outcome == OutcomeSuccess:
		entry.Status = storage.SendSuccess
	case res.Outcome == OutcomeSkipped:
		entry.Status = storage.SendSkipped
		entry.Error = res.Reason
	case strings.HasPrefix(res.Reason, "flood_wait"):
		entry.Status = storage.SendFloodWait
		entry.Error = res.Reason
	default:
		entry.Status = storage.SendFailed
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
	}
	if err := e.store.AppendSendLog(ctx, entry); err != nil {
		e.log.Warn("send log append failed", logx.Err(err))
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := e.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
