package transport

import (
	"context"
	"errors"
	"fmt"
)

// ProfileInfo is the authenticated account's own profile, fetched after a
// successful connect.
type ProfileInfo struct {
	UserID    int64
	FirstName string
	LastName  string
	Username  string
}

// EntityKind distinguishes how a chat target was addressed.
type EntityKind string

const (
	EntityID     EntityKind = "id"     // raw numeric chat/channel id
	EntityHandle EntityKind = "handle" // @username
	EntityInvite EntityKind = "invite" // t.me/joinchat or t.me/+ invite link
)

// EntityRef is a resolved chat target.
type EntityRef struct {
	Kind       EntityKind
	ID         int64
	Handle     string
	InviteHash string
}

// Client is one identity's handle to the remote service. Implementations are
// not required to be safe for concurrent use; the connection pool serializes
// access per identity.
type Client interface {
	Connect(ctx context.Context) error
	IsAuthorized(ctx context.Context) (bool, error)
	Disconnect(ctx context.Context) error

	GetSelf(ctx context.Context) (ProfileInfo, error)
	SendText(ctx context.Context, target EntityRef, text string) error
	SendFile(ctx context.Context, target EntityRef, path, caption string) error
	ResolveEntity(ctx context.Context, raw string) (EntityRef, error)
	JoinChannel(ctx context.Context, ref EntityRef) error
}

// Dialer creates a Client for one identity. The pool calls it once per
// connect attempt; the artifact path comes from the identity registry.
type Dialer interface {
	Dial(ctx context.Context, key, artifactPath string) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, key, artifactPath string) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, key, artifactPath string) (Client, error) {
	return f(ctx, key, artifactPath)
}

// ---- Error taxonomy ----
//
// The remote side distinguishes two failure classes that must never be
// treated as transient: a server-imposed cool-down (FloodWaitError) and a
// credential-level rejection (AuthError). Everything else is opaque and
// retried under the dispatch retry policy.

// FloodWaitError is a server-imposed mandatory cool-down for one identity.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: %ds", e.Seconds)
}

// AuthError is a credential-level failure. It is fatal for the identity's
// connection; the credential must be replaced externally.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "authorization failed"
	}
	return "authorization failed: " + e.Reason
}

// AsFloodWait extracts the cool-down seconds if err carries a flood wait.
func AsFloodWait(err error) (int, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Seconds, true
	}
	return 0, false
}

// IsAuthError reports whether err is a credential-level failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
