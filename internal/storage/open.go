package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "tgfleet/pkg/logx"
)

// Store is the persistence API consumed by the core. One call per logical
// event; no batching.
type Store interface {
	GetIdentity(ctx context.Context, phone string) (*IdentityRecord, error)
	ListIdentities(ctx context.Context) ([]IdentityRecord, error)
	UpsertIdentity(ctx context.Context, rec IdentityRecord) error
	UpdateStatus(ctx context.Context, phone string, status Status) error
	DeleteIdentity(ctx context.Context, phone string) error

	AppendSendLog(ctx context.Context, e SendLogEntry) error
	RecentSendLogs(ctx context.Context, phone string, limit int) ([]SendLogEntry, error)

	AppendBackup(ctx context.Context, e BackupEntry) error

	// Settings round-trip opaque blobs (relay configuration).
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error

	GetStats(ctx context.Context) (Stats, error)
	CleanupOldLogs(ctx context.Context, olderThan time.Duration) (int64, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
