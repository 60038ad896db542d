package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	logx "tgfleet/pkg/logx"
)

// sqliteMagic is the 16-byte header of a valid session artifact.
var sqliteMagic = []byte("SQLite format 3\x00")

const (
	artifactExt     = ".session"
	journalSuffix   = ".session-journal"
	minArtifactSize = 1024
)

type Config struct {
	Dir            string
	BackupDir      string
	BackupKeepDays int
}

// Registry enumerates and validates on-disk credential artifacts.
// It performs filesystem reads only; it never connects.
type Registry struct {
	dir            string
	backupDir      string
	backupKeepDays int
	log            logx.Logger
}

func New(cfg Config, log logx.Logger) (*Registry, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = "sessions"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	backupDir := strings.TrimSpace(cfg.BackupDir)
	if backupDir == "" {
		backupDir = filepath.Join(dir, "backups")
	}
	keep := cfg.BackupKeepDays
	if keep <= 0 {
		keep = 7
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{dir: dir, backupDir: backupDir, backupKeepDays: keep, log: log}, nil
}

func (r *Registry) Dir() string { return r.dir }

// ArtifactPath returns the on-disk location for a key's artifact.
// The file may not exist.
func (r *Registry) ArtifactPath(key string) string {
	return filepath.Join(r.dir, key+artifactExt)
}

// ListCandidates enumerates keys whose artifact exists and validates.
// Invalid or missing artifacts are excluded, not reported as errors.
func (r *Registry) ListCandidates() []string {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.log.Warn("sessions dir unreadable", logx.String("dir", r.dir), logx.Err(err))
		return nil
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, journalSuffix) || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		key := strings.TrimSuffix(name, artifactExt)
		if !r.Validate(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Validate performs the structural check only: the artifact exists, is a
// regular file, meets the minimum size, and carries the expected signature.
func (r *Registry) Validate(key string) bool {
	path := r.ArtifactPath(key)
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	if fi.Size() < minArtifactSize {
		return false
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return false
	}
	return bytes.Equal(header, sqliteMagic)
}

// Import copies an external session artifact into the registry under key.
// The source is validated before the copy is committed.
func (r *Registry) Import(srcPath, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		derived, ok := KeyFromFilename(srcPath)
		if !ok {
			return errors.New("cannot derive identity key from filename; pass one explicitly")
		}
		key = derived
	}

	if err := validateFile(srcPath); err != nil {
		return fmt.Errorf("source artifact %s: %w", srcPath, err)
	}

	dst := r.ArtifactPath(key)
	if err := copyFile(srcPath, dst); err != nil {
		return err
	}
	r.log.Info("session artifact imported", logx.String("key", key), logx.String("path", dst))
	return nil
}

// Backup copies a key's artifact into the backup dir with a timestamp and
// prunes backups older than the retention window. Returns the backup path.
func (r *Registry) Backup(key string) (string, error) {
	src := r.ArtifactPath(key)
	if err := validateFile(src); err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.backupDir, 0o755); err != nil {
		return "", err
	}

	stamp := time.Now().Format("20060102_150405")
	dst := filepath.Join(r.backupDir, fmt.Sprintf("%s_backup_%s%s", key, stamp, artifactExt))
	if err := copyFile(src, dst); err != nil {
		return "", err
	}

	if n := r.pruneBackups(); n > 0 {
		r.log.Debug("old backups pruned", logx.Int("count", n))
	}
	return dst, nil
}

// PruneBackups removes backups older than the retention window and
// returns how many were deleted.
func (r *Registry) PruneBackups() int { return r.pruneBackups() }

func (r *Registry) pruneBackups() int {
	entries, err := os.ReadDir(r.backupDir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -r.backupKeepDays)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), "_backup_") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(r.backupDir, e.Name())) == nil {
			removed++
		}
	}
	return removed
}

func validateFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return errors.New("not a regular file")
	}
	if fi.Size() < minArtifactSize {
		return fmt.Errorf("too small (%d bytes)", fi.Size())
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	header := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return err
	}
	if !bytes.Equal(header, sqliteMagic) {
		return errors.New("unrecognized file signature")
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
