package pool

import (
	"context"
	"time"

	"tgfleet/internal/registry"
	"tgfleet/internal/storage"
	logx "tgfleet/pkg/logx"
)

// Disconnect closes key's handle and removes it from the pool. No-op
// success when not connected; recorded status never regresses below Active.
func (p *Pool) Disconnect(ctx context.Context, key string) error {
	p.mu.Lock()
	h, ok := p.clients[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.clients, key)
	n := len(p.clients)
	p.mu.Unlock()

	if p.met != nil {
		p.met.Connected.Set(float64(n))
	}

	err := p.closeHandle(h)
	// The handle is gone either way; the identity is known-but-disconnected.
	p.updateStatus(ctx, key, storage.StatusActive)
	if err != nil {
		p.log.Warn("disconnect error", logx.String("key", registry.MaskPhone(key)), logx.Err(err))
		return err
	}
	p.log.Info("disconnected", logx.String("key", registry.MaskPhone(key)))
	return nil
}

// DisconnectAll disconnects every held handle, best-effort, and returns the
// count of clean disconnects. One identity's failure never stops the rest.
func (p *Pool) DisconnectAll(ctx context.Context) int {
	keys := p.Snapshot()
	count := 0
	for _, key := range keys {
		if err := p.Disconnect(ctx, key); err == nil {
			count++
		}
	}
	p.log.Info("all identities disconnected", logx.Int("count", count), logx.Int("total", len(keys)))
	return count
}

// closeHandle closes with a hard upper bound so a stalled collaborator
// cannot block shutdown.
func (p *Pool) closeHandle(h *Handle) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DisconnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.client.Disconnect(ctx) }()

	select {
	case err := <-done:
		return err
	case <-time.After(p.cfg.DisconnectTimeout):
		return context.DeadlineExceeded
	}
}
