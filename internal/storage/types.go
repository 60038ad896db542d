package storage

import (
	"errors"
	"time"
	"unicode/utf8"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (jsonl + snapshot)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Status is an identity's lifecycle status as recorded in the store.
// Transitions are driven exclusively by the connection pool.
type Status string

const (
	StatusUnregistered Status = "UNREGISTERED"
	StatusInactive     Status = "INACTIVE"
	StatusActive       Status = "ACTIVE"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusError        Status = "ERROR"
)

// IdentityRecord is the persisted view of one identity.
// Profile fields are refreshed opportunistically after a successful connect.
type IdentityRecord struct {
	Phone         string
	SessionPath   string
	FirstName     string
	LastName      string
	Username      string
	UserID        int64
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastConnected time.Time
}

// Send outcome statuses, schema-stable.
const (
	SendSuccess   = "SUCCESS"
	SendFailed    = "FAILED"
	SendFloodWait = "FLOOD_WAIT"
	SendSkipped   = "SKIPPED"
)

// SendLogEntry records one send attempt through one identity.
// Message bodies are truncated before storage (see maxLoggedMessage).
type SendLogEntry struct {
	Phone       string
	ChatID      string
	Message     string
	MessageType string // "text" | "file"
	Status      string
	Error       string
	SentAt      time.Time
}

// maxLoggedMessage bounds the stored message body.
const maxLoggedMessage = 500

// BackupEntry records one session artifact backup.
type BackupEntry struct {
	Phone      string
	BackupPath string
	CreatedAt  time.Time
}

// Stats is the aggregate view used by status reporting.
type Stats struct {
	TotalAccounts     int
	ConnectedAccounts int
	TotalSends        int
	SuccessSends      int
	FailedSends       int
	FloodWaits        int
}

// truncateMessage caps s at maxLoggedMessage runes, never splitting a
// multi-byte sequence.
func truncateMessage(s string) string {
	if utf8.RuneCountInString(s) <= maxLoggedMessage {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLoggedMessage {
			return s[:i]
		}
		n++
	}
	return s
}
