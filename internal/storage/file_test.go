package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "tgfleet/pkg/logx"
)

func openTestStore(t *testing.T, path string) Store {
	t.Helper()
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFileStoreIdentityRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	s := openTestStore(t, path)
	err := s.UpsertIdentity(ctx, IdentityRecord{
		Phone:     "+6281111111111",
		FirstName: "Ari",
		Username:  "ari",
		UserID:    42,
		Status:    StatusActive,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, "+6281111111111", StatusConnected); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: the snapshot must survive the restart.
	s = openTestStore(t, path)
	defer s.Close()
	rec, err := s.GetIdentity(ctx, "+6281111111111")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("record lost across reopen")
	}
	if rec.Status != StatusConnected || rec.Username != "ari" || rec.UserID != 42 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.LastConnected.IsZero() {
		t.Fatal("LastConnected not stamped on CONNECTED transition")
	}
}

func TestFileStoreUnknownIdentity(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "store"))
	defer s.Close()

	rec, err := s.GetIdentity(context.Background(), "+6280000000000")
	if err != nil || rec != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", rec, err)
	}
	// Status update for an unknown identity is a no-op, not an error.
	if err := s.UpdateStatus(context.Background(), "+6280000000000", StatusError); err != nil {
		t.Fatal(err)
	}
}

func TestSendLogReplayAndStats(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	s := openTestStore(t, path)
	entries := []SendLogEntry{
		{Phone: "+6281111111111", ChatID: "@g", Message: "a", Status: SendSuccess},
		{Phone: "+6281111111111", ChatID: "@g", Message: "b", Status: SendFailed, Error: "boom"},
		{Phone: "+6282222222222", ChatID: "@g", Message: "c", Status: SendFloodWait, Error: "flood_wait:5"},
	}
	for _, e := range entries {
		if err := s.AppendSendLog(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = openTestStore(t, path)
	defer s.Close()

	logs, err := s.RecentSendLogs(ctx, "+6281111111111", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(logs))
	}
	// Most recent first.
	if logs[0].Message != "b" || logs[1].Message != "a" {
		t.Fatalf("order = %s, %s", logs[0].Message, logs[1].Message)
	}

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalSends != 3 || st.SuccessSends != 1 || st.FailedSends != 1 || st.FloodWaits != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSendLogTruncation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "store"))
	defer s.Close()
	ctx := context.Background()

	long := strings.Repeat("x", maxLoggedMessage+200)
	if err := s.AppendSendLog(ctx, SendLogEntry{Phone: "+628", Message: long, Status: SendSuccess}); err != nil {
		t.Fatal(err)
	}
	logs, err := s.RecentSendLogs(ctx, "+628", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(logs[0].Message); got != maxLoggedMessage {
		t.Fatalf("stored message length = %d, want %d", got, maxLoggedMessage)
	}
}

func TestSendLogTruncationRuneBoundary(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "store"))
	defer s.Close()
	ctx := context.Background()

	long := strings.Repeat("é", maxLoggedMessage+10) // 2 bytes per rune
	if err := s.AppendSendLog(ctx, SendLogEntry{Phone: "+628", Message: long, Status: SendSuccess}); err != nil {
		t.Fatal(err)
	}
	logs, err := s.RecentSendLogs(ctx, "+628", 1)
	if err != nil {
		t.Fatal(err)
	}
	got := logs[0].Message
	if n := len([]rune(got)); n != maxLoggedMessage {
		t.Fatalf("stored message runes = %d, want %d", n, maxLoggedMessage)
	}
	if !strings.HasSuffix(got, "é") {
		t.Fatal("truncation split a multi-byte rune")
	}
}

func TestAppendBackupPersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	s := openTestStore(t, path)
	err := s.AppendBackup(ctx, BackupEntry{
		Phone:      "+6281111111111",
		BackupPath: "/backups/+6281111111111_backup_20260829.session",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path + ".backups.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	var e BackupEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatal(err)
	}
	if e.Phone != "+6281111111111" || e.BackupPath == "" {
		t.Fatalf("entry = %+v", e)
	}
	if e.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not stamped")
	}
}

func TestCleanupOldLogs(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	s := openTestStore(t, path)
	old := SendLogEntry{Phone: "+628", Message: "old", Status: SendSuccess, SentAt: time.Now().Add(-40 * 24 * time.Hour)}
	fresh := SendLogEntry{Phone: "+628", Message: "fresh", Status: SendSuccess}
	if err := s.AppendSendLog(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendSendLog(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	removed, err := s.CleanupOldLogs(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// The compaction must also be durable.
	s = openTestStore(t, path)
	defer s.Close()
	logs, err := s.RecentSendLogs(ctx, "+628", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Message != "fresh" {
		t.Fatalf("logs after cleanup = %+v", logs)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	s := openTestStore(t, path)
	if _, ok, err := s.GetSetting(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing setting: ok=%v err=%v", ok, err)
	}
	if err := s.PutSetting(ctx, "relay_config", `{"target":"@g"}`); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = openTestStore(t, path)
	defer s.Close()
	v, ok, err := s.GetSetting(ctx, "relay_config")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if v != `{"target":"@g"}` {
		t.Fatalf("value = %q", v)
	}
}

func TestDeleteIdentityDropsLogs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "store"))
	defer s.Close()
	ctx := context.Background()

	if err := s.UpsertIdentity(ctx, IdentityRecord{Phone: "+628", Status: StatusActive}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendSendLog(ctx, SendLogEntry{Phone: "+628", Message: "m", Status: SendSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteIdentity(ctx, "+628"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.GetIdentity(ctx, "+628"); rec != nil {
		t.Fatal("identity not deleted")
	}
	logs, _ := s.RecentSendLogs(ctx, "+628", 10)
	if len(logs) != 0 {
		t.Fatalf("logs = %d, want 0", len(logs))
	}
}

func TestOpenDisabledDriver(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if s != nil {
		t.Fatal("disabled driver must return a nil store")
	}
}
