package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tgfleet/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetIdentity(ctx context.Context, phone string) (*IdentityRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT phone, session_path, first_name, last_name, username, user_id, status, created_at, updated_at, last_connected
		 FROM accounts WHERE phone = ?`, phone)
	rec, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sqliteStore) ListIdentities(ctx context.Context) ([]IdentityRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT phone, session_path, first_name, last_name, username, user_id, status, created_at, updated_at, last_connected
		 FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IdentityRecord
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertIdentity(ctx context.Context, rec IdentityRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(rec.Phone) == "" {
		return errors.New("identity phone is required")
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = StatusInactive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(phone, session_path, first_name, last_name, username, user_id, status, created_at, updated_at, last_connected)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(phone) DO UPDATE SET
		   session_path=excluded.session_path,
		   first_name=excluded.first_name,
		   last_name=excluded.last_name,
		   username=excluded.username,
		   user_id=excluded.user_id,
		   status=excluded.status,
		   updated_at=excluded.updated_at,
		   last_connected=excluded.last_connected`,
		rec.Phone, nullStr(rec.SessionPath), nullStr(rec.FirstName), nullStr(rec.LastName),
		nullStr(rec.Username), nullInt(rec.UserID), string(rec.Status),
		rec.CreatedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), nullTime(rec.LastConnected),
	)
	return err
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, phone string, status Status) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := time.Now().Format(time.RFC3339Nano)
	var lastConnected any
	if status == StatusConnected {
		lastConnected = now
	}
	if lastConnected != nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET status = ?, last_connected = ?, updated_at = ? WHERE phone = ?`,
			string(status), lastConnected, now, phone)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE phone = ?`,
		string(status), now, phone)
	return err
}

func (s *sqliteStore) DeleteIdentity(ctx context.Context, phone string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	// Related logs go with the account.
	_, _ = s.db.ExecContext(ctx, `DELETE FROM send_logs WHERE phone = ?`, phone)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM session_backups WHERE phone = ?`, phone)
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE phone = ?`, phone)
	return err
}

func (s *sqliteStore) AppendSendLog(ctx context.Context, e SendLogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	if e.MessageType == "" {
		e.MessageType = "text"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_logs(phone, chat_id, message, message_type, status, error_message, sent_at)
		 VALUES(?,?,?,?,?,?,?)`,
		e.Phone, nullStr(e.ChatID), nullStr(truncateMessage(e.Message)), e.MessageType,
		e.Status, nullStr(e.Error), e.SentAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecentSendLogs(ctx context.Context, phone string, limit int) ([]SendLogEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(phone) != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT phone, chat_id, message, message_type, status, error_message, sent_at
			 FROM send_logs WHERE phone = ? ORDER BY sent_at DESC LIMIT ?`, phone, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT phone, chat_id, message, message_type, status, error_message, sent_at
			 FROM send_logs ORDER BY sent_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SendLogEntry
	for rows.Next() {
		var e SendLogEntry
		var chatID, msg, errMsg sql.NullString
		var sentAt string
		if err := rows.Scan(&e.Phone, &chatID, &msg, &e.MessageType, &e.Status, &errMsg, &sentAt); err != nil {
			return nil, err
		}
		e.ChatID = chatID.String
		e.Message = msg.String
		e.Error = errMsg.String
		e.SentAt, _ = time.Parse(time.RFC3339Nano, sentAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendBackup(ctx context.Context, e BackupEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_backups(phone, backup_path, created_at) VALUES(?,?,?)`,
		e.Phone, e.BackupPath, e.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, true, nil
}

func (s *sqliteStore) PutSetting(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) GetStats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, ErrDisabled
	}
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&st.TotalAccounts); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE status = ?`, string(StatusConnected)).Scan(&st.ConnectedAccounts); err != nil {
		return st, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'FLOOD_WAIT' THEN 1 ELSE 0 END), 0)
		FROM send_logs`)
	if err := row.Scan(&st.TotalSends, &st.SuccessSends, &st.FailedSends, &st.FloodWaits); err != nil {
		return st, err
	}
	return st, nil
}

func (s *sqliteStore) CleanupOldLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	cutoff := time.Now().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM send_logs WHERE sent_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	res2, err := s.db.ExecContext(ctx, `DELETE FROM session_backups WHERE created_at < ?`, cutoff)
	if err != nil {
		return n, err
	}
	n2, _ := res2.RowsAffected()
	return n + n2, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (IdentityRecord, error) {
	var rec IdentityRecord
	var sessionPath, firstName, lastName, username sql.NullString
	var userID sql.NullInt64
	var status, createdAt, updatedAt string
	var lastConnected sql.NullString

	err := row.Scan(&rec.Phone, &sessionPath, &firstName, &lastName, &username,
		&userID, &status, &createdAt, &updatedAt, &lastConnected)
	if err != nil {
		return rec, err
	}
	rec.SessionPath = sessionPath.String
	rec.FirstName = firstName.String
	rec.LastName = lastName.String
	rec.Username = username.String
	rec.UserID = userID.Int64
	rec.Status = Status(status)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastConnected.Valid {
		rec.LastConnected, _ = time.Parse(time.RFC3339Nano, lastConnected.String)
	}
	return rec, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
