package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "tgfleet/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.accounts.json      (full snapshot, rewritten on mutation)
//   - <prefix>.sendlog.jsonl      (append-only JSON Lines)
//   - <prefix>.backups.jsonl      (append-only JSON Lines)
//   - <prefix>.settings.json      (full snapshot)
//
// Send logs are kept in memory for queries and compacted on cleanup.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	accountsPath string
	sendlogPath  string
	backupsPath  string
	settingsPath string

	accounts map[string]IdentityRecord
	settings map[string]string
	sendlog  []SendLogEntry

	sendlogFile *os.File
	backupsFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		accountsPath: prefix + ".accounts.json",
		sendlogPath:  prefix + ".sendlog.jsonl",
		backupsPath:  prefix + ".backups.jsonl",
		settingsPath: prefix + ".settings.json",
		accounts:     map[string]IdentityRecord{},
		settings:     map[string]string{},
	}

	_ = loadJSONSnapshot(s.accountsPath, &s.accounts)
	_ = loadJSONSnapshot(s.settingsPath, &s.settings)
	_ = replaySendLog(s.sendlogPath, &s.sendlog)

	lf, err := os.OpenFile(s.sendlogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	bf, err := os.OpenFile(s.backupsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = lf.Close()
		return nil, err
	}
	s.sendlogFile = lf
	s.backupsFile = bf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.sendlogFile != nil {
		err1 = s.sendlogFile.Close()
		s.sendlogFile = nil
	}
	if s.backupsFile != nil {
		err2 = s.backupsFile.Close()
		s.backupsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) GetIdentity(ctx context.Context, phone string) (*IdentityRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[phone]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *fileStore) ListIdentities(ctx context.Context) ([]IdentityRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IdentityRecord, 0, len(s.accounts))
	for _, rec := range s.accounts {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fileStore) UpsertIdentity(ctx context.Context, rec IdentityRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.Phone) == "" {
		return errors.New("identity phone is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		if old, ok := s.accounts[rec.Phone]; ok {
			rec.CreatedAt = old.CreatedAt
		} else {
			rec.CreatedAt = now
		}
	}
	if rec.Status == "" {
		rec.Status = StatusInactive
	}
	rec.UpdatedAt = now
	s.accounts[rec.Phone] = rec
	return writeJSONSnapshot(s.accountsPath, s.accounts)
}

func (s *fileStore) UpdateStatus(ctx context.Context, phone string, status Status) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[phone]
	if !ok {
		return nil
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	if status == StatusConnected {
		rec.LastConnected = rec.UpdatedAt
	}
	s.accounts[phone] = rec
	return writeJSONSnapshot(s.accountsPath, s.accounts)
}

func (s *fileStore) DeleteIdentity(ctx context.Context, phone string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, phone)
	kept := s.sendlog[:0]
	for _, e := range s.sendlog {
		if e.Phone != phone {
			kept = append(kept, e)
		}
	}
	s.sendlog = kept
	return writeJSONSnapshot(s.accountsPath, s.accounts)
}

func (s *fileStore) AppendSendLog(ctx context.Context, e SendLogEntry) error {
	_ = ctx
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	if e.MessageType == "" {
		e.MessageType = "text"
	}
	e.Message = truncateMessage(e.Message)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendlogFile == nil {
		return errors.New("send log closed")
	}
	s.sendlog = append(s.sendlog, e)
	return json.NewEncoder(s.sendlogFile).Encode(e)
}

func (s *fileStore) RecentSendLogs(ctx context.Context, phone string, limit int) ([]SendLogEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SendLogEntry
	for i := len(s.sendlog) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.sendlog[i]
		if phone != "" && e.Phone != phone {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *fileStore) AppendBackup(ctx context.Context, e BackupEntry) error {
	_ = ctx
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backupsFile == nil {
		return errors.New("backups log closed")
	}
	return json.NewEncoder(s.backupsFile).Encode(e)
}

func (s *fileStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *fileStore) PutSetting(ctx context.Context, key, value string) error {
	_ = ctx
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return writeJSONSnapshot(s.settingsPath, s.settings)
}

func (s *fileStore) GetStats(ctx context.Context) (Stats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{TotalAccounts: len(s.accounts)}
	for _, rec := range s.accounts {
		if rec.Status == StatusConnected {
			st.ConnectedAccounts++
		}
	}
	for _, e := range s.sendlog {
		st.TotalSends++
		switch e.Status {
		case SendSuccess:
			st.SuccessSends++
		case SendFailed:
			st.FailedSends++
		case SendFloodWait:
			st.FloodWaits++
		}
	}
	return st, nil
}

func (s *fileStore) CleanupOldLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	_ = ctx
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]SendLogEntry, 0, len(s.sendlog))
	var removed int64
	for _, e := range s.sendlog {
		if e.SentAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}
	s.sendlog = kept

	// Rewrite the jsonl file to match.
	if s.sendlogFile != nil {
		_ = s.sendlogFile.Close()
	}
	f, err := os.OpenFile(s.sendlogPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		s.sendlogFile = nil
		return removed, err
	}
	enc := json.NewEncoder(f)
	for _, e := range kept {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			s.sendlogFile = nil
			return removed, err
		}
	}
	s.sendlogFile = f
	return removed, nil
}

func loadJSONSnapshot(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeJSONSnapshot(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replaySendLog(path string, out *[]SendLogEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e SendLogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		*out = append(*out, e)
	}
	return sc.Err()
}
