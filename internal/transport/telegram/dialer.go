package telegram

import (
	"context"
	"fmt"
	"time"

	"tgfleet/internal/transport"
	logx "tgfleet/pkg/logx"
)

// Dialer maps identity keys to bot tokens and produces Clients for the
// connection pool. Tokens come from config; the session artifact gates
// which identities are dialable at all (registry validation), the token
// authenticates the API calls.
type Dialer struct {
	tokens  map[string]string
	timeout time.Duration
	log     logx.Logger
}

func NewDialer(tokens map[string]string, timeout time.Duration, log logx.Logger) *Dialer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &Dialer{tokens: cp, timeout: timeout, log: log}
}

func (d *Dialer) Dial(ctx context.Context, key, artifactPath string) (transport.Client, error) {
	_ = ctx
	_ = artifactPath
	token, ok := d.tokens[key]
	if !ok {
		return nil, fmt.Errorf("no token configured for identity %q", key)
	}
	return New(key, token, WithTimeout(d.timeout), WithLogger(d.log)), nil
}
