package relay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tgfleet/internal/dispatch"
	"tgfleet/internal/storage"
	logx "tgfleet/pkg/logx"
)

type recordingDispatcher struct {
	pairs []pair
	fail  bool
}

type pair struct {
	identity string
	message  string
	target   string
}

func (d *recordingDispatcher) SendText(ctx context.Context, target, text string, keys []string) (int, []dispatch.Result) {
	d.pairs = append(d.pairs, pair{identity: keys[0], message: text, target: target})
	if d.fail {
		return 0, []dispatch.Result{{Key: keys[0], Outcome: dispatch.OutcomeFailed, Reason: "error"}}
	}
	return 1, []dispatch.Result{{Key: keys[0], Outcome: dispatch.OutcomeSuccess}}
}

func testConfig() Config {
	return Config{
		Target:     "@group",
		Identities: []string{"A", "B", "C"},
		Messages:   []string{"m1", "m2"},
		Interval:   time.Minute,
		Jitter:     10 * time.Second,
	}
}

func TestRotationOrder(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	s := New(d, nil, nil, logx.Nop())
	if err := s.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}

	// Six ticks: every identity carries m1 before any identity sees m2.
	for i := 0; i < 6; i++ {
		s.tick(context.Background())
	}

	want := []pair{
		{"A", "m1", "@group"},
		{"B", "m1", "@group"},
		{"C", "m1", "@group"},
		{"A", "m2", "@group"},
		{"B", "m2", "@group"},
		{"C", "m2", "@group"},
	}
	if len(d.pairs) != len(want) {
		t.Fatalf("pairs = %d, want %d", len(d.pairs), len(want))
	}
	for i, w := range want {
		if d.pairs[i] != w {
			t.Fatalf("tick %d = %+v, want %+v", i, d.pairs[i], w)
		}
	}

	st := s.Status()
	// After two full identity rotations the message cursor advanced twice,
	// wrapping back to the first message.
	if st.MessageIndex != 0 || st.IdentityIndex != 0 {
		t.Fatalf("cursors = (%d, %d), want (0, 0) after full wrap", st.IdentityIndex, st.MessageIndex)
	}
	if st.TotalSent != 6 {
		t.Fatalf("total sent = %d, want 6", st.TotalSent)
	}
}

func TestTickSwallowsFailures(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{fail: true}
	s := New(d, nil, nil, logx.Nop())
	if err := s.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		s.tick(context.Background())
	}
	// The rotation keeps advancing even when every send fails.
	if len(d.pairs) != 3 {
		t.Fatalf("ticks = %d, want 3", len(d.pairs))
	}
	if st := s.Status(); st.TotalSent != 0 {
		t.Fatalf("total sent = %d, want 0", st.TotalSent)
	}
}

func TestStartRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()
	s := New(&recordingDispatcher{}, nil, nil, logx.Nop())

	cfg := testConfig()
	cfg.Target = ""
	if err := s.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != ErrIncomplete {
		t.Fatalf("err = %v, want ErrIncomplete", err)
	}
	if s.Running() {
		t.Fatal("scheduler must not run with incomplete config")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	s := New(d, nil, nil, logx.Nop())
	if err := s.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.Running() {
		t.Fatal("not running after Start")
	}
	// Second Start is a no-op.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Running() {
		t.Fatal("still running after Stop")
	}
	// Stop is idempotent.
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestExternalCancelClearsRunning(t *testing.T) {
	t.Parallel()
	s := New(&recordingDispatcher{}, nil, nil, logx.Nop())
	if err := s.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.Running() {
		t.Fatal("not running after Start")
	}

	// Cancel the parent context instead of calling Stop; the status must
	// not keep claiming the loop is alive.
	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for s.Running() {
		if time.Now().After(deadline) {
			t.Fatal("still reported running after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := s.Status(); st.Running {
		t.Fatal("Status().Running = true after context cancel")
	}
}

func TestConfigureRejectedWhileRunning(t *testing.T) {
	t.Parallel()
	s := New(&recordingDispatcher{}, nil, nil, logx.Nop())
	if err := s.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}()

	if err := s.Configure(testConfig()); err != ErrRunning {
		t.Fatalf("err = %v, want ErrRunning", err)
	}
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	s := New(&recordingDispatcher{}, store, nil, logx.Nop())
	if err := s.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}
	// Advance partway through the rotation, then persist.
	for i := 0; i < 4; i++ {
		s.tick(ctx)
	}
	if err := s.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := New(&recordingDispatcher{}, store, nil, logx.Nop())
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := restored.Status()
	if st.Target != "@group" || st.IdentityCount != 3 || st.MessageCount != 2 {
		t.Fatalf("restored config = %+v", st)
	}
	if st.IdentityIndex != 1 || st.MessageIndex != 1 {
		t.Fatalf("restored cursors = (%d, %d), want (1, 1)", st.IdentityIndex, st.MessageIndex)
	}
	if st.TotalSent != 4 {
		t.Fatalf("restored total sent = %d, want 4", st.TotalSent)
	}
	if st.Interval != time.Minute || st.Jitter != 10*time.Second {
		t.Fatalf("restored cadence = %v / %v", st.Interval, st.Jitter)
	}
}

func TestLoadMissingStateIsNotError(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	s := New(&recordingDispatcher{}, store, nil, logx.Nop())
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load with no saved state: %v", err)
	}
	if s.Status().Target != "" {
		t.Fatal("unexpected config after empty load")
	}
}
