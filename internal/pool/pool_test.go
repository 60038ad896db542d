package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tgfleet/internal/ratelimit"
	"tgfleet/internal/registry"
	"tgfleet/internal/storage"
	"tgfleet/internal/transport"
	logx "tgfleet/pkg/logx"
)

// fakeClient implements transport.Client with instrumentation for
// concurrency assertions.
type fakeClient struct {
	connectErr error
	authorized bool
	connectGate chan struct{} // if set, Connect blocks until closed

	inFlight  *int64 // shared concurrent-connect counter
	highWater *int64

	disconnects int64
	sendErr     error
	joinErr     error
	joins       int64
}

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.inFlight != nil {
		cur := atomic.AddInt64(f.inFlight, 1)
		for {
			hw := atomic.LoadInt64(f.highWater)
			if cur <= hw || atomic.CompareAndSwapInt64(f.highWater, hw, cur) {
				break
			}
		}
		defer atomic.AddInt64(f.inFlight, -1)
	}
	if f.connectGate != nil {
		select {
		case <-f.connectGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.connectErr
}

func (f *fakeClient) IsAuthorized(ctx context.Context) (bool, error) { return f.authorized, nil }
func (f *fakeClient) Disconnect(ctx context.Context) error {
	atomic.AddInt64(&f.disconnects, 1)
	return nil
}

func (f *fakeClient) GetSelf(ctx context.Context) (transport.ProfileInfo, error) {
	return transport.ProfileInfo{UserID: 1, FirstName: "Test"}, nil
}

func (f *fakeClient) SendText(ctx context.Context, target transport.EntityRef, text string) error {
	return f.sendErr
}

func (f *fakeClient) SendFile(ctx context.Context, target transport.EntityRef, path, caption string) error {
	return f.sendErr
}

func (f *fakeClient) ResolveEntity(ctx context.Context, raw string) (transport.EntityRef, error) {
	return transport.ParseTarget(raw), nil
}

func (f *fakeClient) JoinChannel(ctx context.Context, ref transport.EntityRef) error {
	atomic.AddInt64(&f.joins, 1)
	return f.joinErr
}

// fakeDialer hands out one client per key and counts dials.
type fakeDialer struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	dials   map[string]int
	err     error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{clients: map[string]*fakeClient{}, dials: map[string]int{}}
}

func (d *fakeDialer) client(key string) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[key]
	if !ok {
		c = &fakeClient{authorized: true}
		d.clients[key] = c
	}
	return c
}

func (d *fakeDialer) Dial(ctx context.Context, key, artifactPath string) (transport.Client, error) {
	d.mu.Lock()
	d.dials[key]++
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.client(key), nil
}

func (d *fakeDialer) dialCount(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[key]
}

func writeArtifact(t *testing.T, dir, key string) {
	t.Helper()
	buf := make([]byte, 2048)
	copy(buf, "SQLite format 3\x00")
	if err := os.WriteFile(filepath.Join(dir, key+".session"), buf, 0o600); err != nil {
		t.Fatal(err)
	}
}

func newTestPool(t *testing.T, dialer transport.Dialer, keys ...string) (*Pool, *ratelimit.Controller) {
	t.Helper()
	dir := t.TempDir()
	for _, k := range keys {
		writeArtifact(t, dir, k)
	}
	reg, err := registry.New(registry.Config{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctl := ratelimit.New(ratelimit.Config{})
	p := New(Config{}, dialer, reg, nil, ctl, nil, logx.Nop())
	return p, ctl
}

func TestConnectIdempotent(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	p, _ := newTestPool(t, d, "+6281111111111")
	ctx := context.Background()

	if err := p.Connect(ctx, "+6281111111111"); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := p.Connect(ctx, "+6281111111111"); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if n := d.dialCount("+6281111111111"); n != 1 {
		t.Fatalf("dials = %d, want 1 (no duplicate handle)", n)
	}
	if p.Size() != 1 {
		t.Fatalf("pool size = %d, want 1", p.Size())
	}
}

func TestConnectSingleFlight(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	key := "+6281111111111"
	p, _ := newTestPool(t, d, key)

	gate := make(chan struct{})
	d.client(key).connectGate = gate

	const callers = 8
	errs := make([]error, callers)
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			started.Wait()
			errs[i] = p.Connect(context.Background(), key)
		}(i)
	}

	// Let the racers pile up against the in-flight connect, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	done.Wait()

	okCount, busyCount := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrBusy):
			busyCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount == 0 {
		t.Fatal("no caller succeeded")
	}
	if okCount+busyCount != callers {
		t.Fatalf("ok=%d busy=%d, want all %d accounted for", okCount, busyCount, callers)
	}
	if n := d.dialCount(key); n != 1 {
		t.Fatalf("dials = %d, want exactly 1 real connect", n)
	}
	if p.Size() != 1 {
		t.Fatalf("pool size = %d, want 1", p.Size())
	}
}

func TestConnectManyBoundedConcurrency(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	keys := []string{"+6281111111111", "+6282222222222", "+6283333333333"}
	p, _ := newTestPool(t, d, keys...)

	var inFlight, highWater int64
	for _, k := range keys {
		c := d.client(k)
		c.inFlight = &inFlight
		c.highWater = &highWater
	}

	results := p.ConnectMany(context.Background(), keys, 1)
	if len(results) != len(keys) {
		t.Fatalf("results = %d, want one per key", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("connect %s: %v", r.Key, r.Err)
		}
	}
	if hw := atomic.LoadInt64(&highWater); hw != 1 {
		t.Fatalf("concurrent connect high-water = %d, want 1", hw)
	}
	if p.Size() != 3 {
		t.Fatalf("pool size = %d, want 3", p.Size())
	}
}

func TestConnectNoArtifact(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	p, _ := newTestPool(t, d) // no artifacts on disk

	err := p.Connect(context.Background(), "+6281111111111")
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
	if n := d.dialCount("+6281111111111"); n != 0 {
		t.Fatal("dialed despite missing artifact")
	}
}

func TestConnectAuthFailure(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	key := "+6281111111111"
	p, _ := newTestPool(t, d, key)
	d.client(key).authorized = false

	err := p.Connect(context.Background(), key)
	if !transport.IsAuthError(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if p.Size() != 0 {
		t.Fatal("unauthorized client must not be pooled")
	}
	// Not treated as busy: a later attempt may proceed.
	if err := p.Connect(context.Background(), key); !transport.IsAuthError(err) {
		t.Fatalf("second attempt err = %v, want auth error again", err)
	}
}

func TestConnectFloodWaitDeferred(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	key := "+6281111111111"
	p, ctl := newTestPool(t, d, key)
	d.client(key).connectErr = &transport.FloodWaitError{Seconds: 42}

	err := p.Connect(context.Background(), key)
	var def *DeferredError
	if !errors.As(err, &def) || def.Seconds != 42 {
		t.Fatalf("err = %v, want DeferredError{42}", err)
	}
	if _, deferred := ctl.ShouldDefer(key); !deferred {
		t.Fatal("controller did not record the flood wait")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	p, _ := newTestPool(t, d)

	if err := p.Disconnect(context.Background(), "+6281111111111"); err != nil {
		t.Fatalf("disconnect of unconnected key: %v", err)
	}
}

func TestDisconnectReconnectKeepsFloodWait(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	key := "+6281111111111"
	p, ctl := newTestPool(t, d, key)
	ctx := context.Background()

	if err := p.Connect(ctx, key); err != nil {
		t.Fatal(err)
	}
	ctl.RecordFloodWait(key, 300)

	if err := p.Disconnect(ctx, key); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := p.Connect(ctx, key); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if _, ok := p.Borrow(key); !ok {
		t.Fatal("no handle after reconnect")
	}
	// The penalty window outlives the reconnect.
	if _, deferred := ctl.ShouldDefer(key); !deferred {
		t.Fatal("flood wait lost across disconnect/reconnect")
	}
}

func TestDisconnectAll(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	keys := []string{"+6281111111111", "+6282222222222"}
	p, _ := newTestPool(t, d, keys...)
	ctx := context.Background()

	for _, k := range keys {
		if err := p.Connect(ctx, k); err != nil {
			t.Fatal(err)
		}
	}
	if n := p.DisconnectAll(ctx); n != 2 {
		t.Fatalf("disconnected = %d, want 2", n)
	}
	if p.Size() != 0 {
		t.Fatalf("pool size = %d, want 0", p.Size())
	}
	for _, k := range keys {
		if got := atomic.LoadInt64(&d.client(k).disconnects); got != 1 {
			t.Fatalf("client %s disconnects = %d, want 1", k, got)
		}
	}
}

func TestSnapshotSorted(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	keys := []string{"+6289999999999", "+6281111111111"}
	p, _ := newTestPool(t, d, keys...)
	ctx := context.Background()
	for _, k := range keys {
		if err := p.Connect(ctx, k); err != nil {
			t.Fatal(err)
		}
	}
	snap := p.Snapshot()
	if len(snap) != 2 || snap[0] != "+6281111111111" || snap[1] != "+6289999999999" {
		t.Fatalf("snapshot = %v", snap)
	}
}

func TestJoinChat(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	key := "+6281111111111"
	p, _ := newTestPool(t, d, key)
	ctx := context.Background()
	if err := p.Connect(ctx, key); err != nil {
		t.Fatal(err)
	}

	ok, results := p.JoinChat(ctx, "@somegroup", []string{key})
	if ok != 1 || len(results) != 1 || results[0].Err != nil {
		t.Fatalf("join = (%d, %+v)", ok, results)
	}
	if n := atomic.LoadInt64(&d.client(key).joins); n != 1 {
		t.Fatalf("join calls = %d, want 1", n)
	}
}

func TestJoinChatUnconnectedKey(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, newFakeDialer())

	ok, results := p.JoinChat(context.Background(), "@somegroup", []string{"+6281111111111"})
	if ok != 0 || len(results) != 1 {
		t.Fatalf("join = (%d, %+v)", ok, results)
	}
	if !errors.Is(results[0].Err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", results[0].Err)
	}
}

func TestJoinChatFloodWaitRecorded(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	key := "+6281111111111"
	p, ctl := newTestPool(t, d, key)
	ctx := context.Background()
	if err := p.Connect(ctx, key); err != nil {
		t.Fatal(err)
	}
	d.client(key).joinErr = &transport.FloodWaitError{Seconds: 7}

	ok, results := p.JoinChat(ctx, "@somegroup", []string{key})
	if ok != 0 || results[0].Err == nil {
		t.Fatalf("join = (%d, %+v), want failure", ok, results)
	}
	// Flood waits end the attempt immediately, no retry.
	if n := atomic.LoadInt64(&d.client(key).joins); n != 1 {
		t.Fatalf("join calls = %d, want 1", n)
	}
	rem, deferred := ctl.ShouldDefer(key)
	if !deferred || rem <= 0 || rem > 7*time.Second {
		t.Fatalf("ShouldDefer = (%v, %v), want positive <= 7s", rem, deferred)
	}
}

func TestAccountInfo(t *testing.T) {
	t.Parallel()
	d := newFakeDialer()
	key := "+6281111111111"
	dir := t.TempDir()
	writeArtifact(t, dir, key)
	reg, err := registry.New(registry.Config{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctl := ratelimit.New(ratelimit.Config{})
	p := New(Config{}, d, reg, store, ctl, nil, logx.Nop())
	ctx := context.Background()

	if err := store.UpsertIdentity(ctx, storage.IdentityRecord{Phone: key, FirstName: "Ari", Status: storage.StatusActive}); err != nil {
		t.Fatal(err)
	}

	rec, connected, err := p.AccountInfo(ctx, key)
	if err != nil || rec == nil {
		t.Fatalf("AccountInfo = (%+v, %v)", rec, err)
	}
	if connected {
		t.Fatal("reported connected before Connect")
	}

	if err := p.Connect(ctx, key); err != nil {
		t.Fatal(err)
	}
	rec, connected, err = p.AccountInfo(ctx, key)
	if err != nil || rec == nil || !connected {
		t.Fatalf("AccountInfo after connect = (%+v, %v, %v)", rec, connected, err)
	}

	rec, _, err = p.AccountInfo(ctx, "+6289999999999")
	if err != nil || rec != nil {
		t.Fatalf("unknown key = (%+v, %v), want (nil, nil)", rec, err)
	}
}

func TestAccountInfoStoreDisabled(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, newFakeDialer(), "+6281111111111")
	if _, _, err := p.AccountInfo(context.Background(), "+6281111111111"); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}
