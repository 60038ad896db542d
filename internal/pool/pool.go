package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"tgfleet/internal/metrics"
	"tgfleet/internal/ratelimit"
	"tgfleet/internal/registry"
	"tgfleet/internal/storage"
	"tgfleet/internal/transport"
	logx "tgfleet/pkg/logx"
)

type Config struct {
	MaxParallel       int           // connectMany concurrency cap; default 3
	DisconnectTimeout time.Duration // upper bound per disconnect attempt; default 5s
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 3
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = 5 * time.Second
	}
	return c
}

// Handle is one live connection. It is owned by the pool; dispatch borrows
// it for the duration of a single send via Do, which also enforces
// at-most-one-in-flight per identity.
type Handle struct {
	Key    string
	client transport.Client

	mu          sync.Mutex // serializes sends through this identity
	sent        int
	lastSend    time.Time
	connectedAt time.Time
}

// Do runs fn while holding the handle's send slot.
func (h *Handle) Do(fn func(c transport.Client) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := fn(h.client)
	if err == nil {
		h.sent++
		h.lastSend = time.Now()
	}
	return err
}

// Counters returns the messages sent through this handle and the last send time.
func (h *Handle) Counters() (sent int, last time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent, h.lastSend
}

// Pool owns the map of live client handles and serializes the
// connect/disconnect lifecycle per identity.
//
// Locking discipline: p.mu guards only the clients map and the connecting
// set. It is never held across a network call, so one slow connect cannot
// serialize unrelated identities.
type Pool struct {
	cfg    Config
	dialer transport.Dialer
	reg    *registry.Registry
	store  storage.Store // may be nil (storage disabled)
	ctl    *ratelimit.Controller
	met    *metrics.Metrics // may be nil
	log    logx.Logger

	mu         sync.Mutex
	clients    map[string]*Handle
	connecting map[string]struct{}
}

func New(cfg Config, dialer transport.Dialer, reg *registry.Registry, store storage.Store, ctl *ratelimit.Controller, met *metrics.Metrics, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		reg:        reg,
		store:      store,
		ctl:        ctl,
		met:        met,
		log:        log,
		clients:    map[string]*Handle{},
		connecting: map[string]struct{}{},
	}
}

// Connect establishes a live connection for key.
//
// Idempotent when already connected. Returns ErrBusy when another connect
// for the same key is in flight; single-flight per identity is a hard
// invariant, concurrent duplicates never produce a second live connection.
func (p *Pool) Connect(ctx context.Context, key string) error {
	p.mu.Lock()
	if _, ok := p.clients[key]; ok {
		p.mu.Unlock()
		p.log.Debug("already connected", logx.String("key", registry.MaskPhone(key)))
		return nil
	}
	if _, ok := p.connecting[key]; ok {
		p.mu.Unlock()
		p.countConnect(ErrBusy)
		return ErrBusy
	}
	p.connecting[key] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.connecting, key)
		p.mu.Unlock()
	}()

	err := p.connectLocked(ctx, key)
	p.countConnect(err)
	return err
}

// connectLocked runs the actual connect with the connecting marker held
// (but no mutex; the marker alone excludes duplicates).
func (p *Pool) connectLocked(ctx context.Context, key string) error {
	masked := registry.MaskPhone(key)

	if p.reg != nil && !p.reg.Validate(key) {
		p.log.Warn("connect refused, no valid artifact", logx.String("key", masked))
		return ErrNoCredential
	}

	p.updateStatus(ctx, key, storage.StatusConnecting)
	p.log.Info("connecting", logx.String("key", masked))

	var artifactPath string
	if p.reg != nil {
		artifactPath = p.reg.ArtifactPath(key)
	}
	client, err := p.dialer.Dial(ctx, key, artifactPath)
	if err != nil {
		p.updateStatus(ctx, key, storage.StatusError)
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return p.connectFailed(ctx, key, err)
	}

	authorized, err := client.IsAuthorized(ctx)
	if err != nil {
		_ = client.Disconnect(ctx)
		return p.connectFailed(ctx, key, err)
	}
	if !authorized {
		_ = client.Disconnect(ctx)
		p.updateStatus(ctx, key, storage.StatusError)
		p.log.Warn("session not authorized", logx.String("key", masked))
		return &transport.AuthError{Reason: "session not authorized"}
	}

	h := &Handle{Key: key, client: client, connectedAt: time.Now()}
	p.mu.Lock()
	p.clients[key] = h
	n := len(p.clients)
	p.mu.Unlock()

	p.updateStatus(ctx, key, storage.StatusConnected)
	if p.met != nil {
		p.met.Connected.Set(float64(n))
	}
	p.refreshProfile(ctx, key, client)
	p.log.Info("connected", logx.String("key", masked), logx.Int("pool_size", n))
	return nil
}

func (p *Pool) connectFailed(ctx context.Context, key string, err error) error {
	masked := registry.MaskPhone(key)
	if secs, ok := transport.AsFloodWait(err); ok {
		// The wait window belongs to the controller; connect never sleeps it out.
		p.ctl.RecordFloodWait(key, secs)
		p.updateStatus(ctx, key, storage.StatusActive)
		if p.met != nil {
			p.met.FloodWaitsTotal.Inc()
		}
		p.log.Warn("flood wait during connect", logx.String("key", masked), logx.Int("seconds", secs))
		return &DeferredError{Seconds: secs}
	}
	if transport.IsAuthError(err) {
		// Credential-level failures are not transient; no retry.
		p.updateStatus(ctx, key, storage.StatusError)
		p.log.Error("auth failure during connect", logx.String("key", masked), logx.Err(err))
		return err
	}
	p.ctl.RecordFailure(key, err.Error())
	p.updateStatus(ctx, key, storage.StatusError)
	p.log.Error("connect failed", logx.String("key", masked), logx.Err(err))
	return err
}

// refreshProfile opportunistically updates the stored record after a
// successful connect. Failures are logged and ignored.
func (p *Pool) refreshProfile(ctx context.Context, key string, client transport.Client) {
	if p.store == nil {
		return
	}
	self, err := client.GetSelf(ctx)
	if err != nil {
		p.log.Debug("profile refresh failed", logx.String("key", registry.MaskPhone(key)), logx.Err(err))
		return
	}
	rec, err := p.store.GetIdentity(ctx, key)
	if err != nil || rec == nil {
		rec = &storage.IdentityRecord{Phone: key}
	}
	rec.FirstName = self.FirstName
	rec.LastName = self.LastName
	rec.Username = self.Username
	rec.UserID = self.UserID
	rec.Status = storage.StatusConnected
	rec.LastConnected = time.Now()
	if p.reg != nil {
		rec.SessionPath = p.reg.ArtifactPath(key)
	}
	if err := p.store.UpsertIdentity(ctx, *rec); err != nil {
		p.log.Debug("profile persist failed", logx.String("key", registry.MaskPhone(key)), logx.Err(err))
	}
}

// KeyResult pairs one input key of a batch operation with its outcome.
type KeyResult struct {
	Key string
	Err error
}

// ConnectMany connects the given keys with at most maxParallel attempts in
// flight (pool default when <= 0). One result per input key; no ordering
// guarantee beyond that.
func (p *Pool) ConnectMany(ctx context.Context, keys []string, maxParallel int) []KeyResult {
	if maxParallel <= 0 {
		maxParallel = p.cfg.MaxParallel
	}

	sem := make(chan struct{}, maxParallel)
	results := make([]KeyResult, len(keys))
	var wg sync.WaitGroup

	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = KeyResult{Key: key, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()
			results[i] = KeyResult{Key: key, Err: p.Connect(ctx, key)}
		}(i, key)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.Err == nil {
			ok++
		}
	}
	p.log.Info("batch connect finished", logx.Int("ok", ok), logx.Int("total", len(keys)))
	return results
}

// Borrow returns the live handle for key, if connected. The returned handle
// may race a concurrent disconnect; callers must tolerate send failures.
func (p *Pool) Borrow(key string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.clients[key]
	return h, ok
}

// Snapshot returns the currently connected keys, sorted. Point-in-time:
// an identity may disconnect concurrently.
func (p *Pool) Snapshot() []string {
	p.mu.Lock()
	keys := make([]string, 0, len(p.clients))
	for k := range p.clients {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Size returns the number of live connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *Pool) updateStatus(ctx context.Context, key string, status storage.Status) {
	if p.store == nil {
		return
	}
	if err := p.store.UpdateStatus(ctx, key, status); err != nil {
		p.log.Debug("status update failed", logx.String("key", registry.MaskPhone(key)), logx.Err(err))
	}
}

func (p *Pool) countConnect(err error) {
	if p.met == nil {
		return
	}
	switch {
	case err == nil:
		p.met.ConnectsTotal.WithLabelValues("ok").Inc()
	case err == ErrBusy:
		p.met.ConnectsTotal.WithLabelValues("busy").Inc()
	case transport.IsAuthError(err):
		p.met.ConnectsTotal.WithLabelValues("auth_failed").Inc()
	default:
		if _, ok := err.(*DeferredError); ok {
			p.met.ConnectsTotal.WithLabelValues("deferred").Inc()
		} else {
			p.met.ConnectsTotal.WithLabelValues("error").Inc()
		}
	}
}
