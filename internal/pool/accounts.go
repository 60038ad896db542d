package pool

import (
	"context"
	"time"

	"tgfleet/internal/registry"
	"tgfleet/internal/storage"
	"tgfleet/internal/transport"
	logx "tgfleet/pkg/logx"
)

// StatusCounts is the reconciled per-status tally returned by RefreshStatus.
type StatusCounts struct {
	Total      int
	Connected  int
	Connecting int
	Active     int
	Inactive   int
	Error      int
}

// AccountInfo returns the stored record for key, annotated with live
// connection state. Returns nil when the identity is unknown.
func (p *Pool) AccountInfo(ctx context.Context, key string) (*storage.IdentityRecord, bool, error) {
	if p.store == nil {
		return nil, false, storage.ErrDisabled
	}
	rec, err := p.store.GetIdentity(ctx, key)
	if err != nil || rec == nil {
		return nil, false, err
	}
	_, connected := p.Borrow(key)
	return rec, connected, nil
}

// RefreshStatus reconciles stored identity statuses against the live pool:
// records marked CONNECTED without a live handle fall back to ACTIVE, live
// handles missing the CONNECTED status get it. Returns the tally.
func (p *Pool) RefreshStatus(ctx context.Context) (StatusCounts, error) {
	var counts StatusCounts
	if p.store == nil {
		return counts, storage.ErrDisabled
	}

	records, err := p.store.ListIdentities(ctx)
	if err != nil {
		return counts, err
	}

	p.mu.Lock()
	live := make(map[string]struct{}, len(p.clients))
	for k := range p.clients {
		live[k] = struct{}{}
	}
	connecting := make(map[string]struct{}, len(p.connecting))
	for k := range p.connecting {
		connecting[k] = struct{}{}
	}
	p.mu.Unlock()

	counts.Total = len(records)
	counts.Connected = len(live)
	counts.Connecting = len(connecting)

	for _, rec := range records {
		_, isLive := live[rec.Phone]
		_, isConnecting := connecting[rec.Phone]
		switch {
		case isLive:
			if rec.Status != storage.StatusConnected {
				p.updateStatus(ctx, rec.Phone, storage.StatusConnected)
			}
		case isConnecting:
			// In-flight; leave as is.
		case rec.Status == storage.StatusConnected:
			// Stale: this run no longer holds a handle.
			p.updateStatus(ctx, rec.Phone, storage.StatusActive)
			counts.Active++
		case rec.Status == storage.StatusActive:
			counts.Active++
		case rec.Status == storage.StatusInactive:
			counts.Inactive++
		case rec.Status == storage.StatusError:
			counts.Error++
		}
	}
	return counts, nil
}

// JoinChat joins the target chat with each key (default: every connected
// identity), pacing one second between identities. One retry per identity
// for transient failures; flood waits are recorded and never retried.
func (p *Pool) JoinChat(ctx context.Context, target string, keys []string) (int, []KeyResult) {
	if keys == nil {
		keys = p.Snapshot()
	}

	results := make([]KeyResult, 0, len(keys))
	success := 0

	for i, key := range keys {
		err := p.joinOne(ctx, key, target)
		if err == nil {
			success++
		}
		results = append(results, KeyResult{Key: key, Err: err})

		if i < len(keys)-1 {
			select {
			case <-ctx.Done():
				return success, results
			case <-time.After(time.Second):
			}
		}
	}
	p.log.Info("join chat finished", logx.String("target", target), logx.Int("ok", success), logx.Int("total", len(keys)))
	return success, results
}

func (p *Pool) joinOne(ctx context.Context, key, target string) error {
	h, ok := p.Borrow(key)
	if !ok {
		return ErrNoCredential
	}

	join := func(c transport.Client) error {
		ref, err := c.ResolveEntity(ctx, target)
		if err != nil {
			return err
		}
		return c.JoinChannel(ctx, ref)
	}

	err := h.Do(join)
	if err == nil {
		p.ctl.RecordSuccess(key)
		return nil
	}
	if secs, ok := transport.AsFloodWait(err); ok {
		p.ctl.RecordFloodWait(key, secs)
		return err
	}

	// One transient retry after the controller's backoff delay.
	p.ctl.RecordFailure(key, err.Error())
	select {
	case <-ctx.Done():
		return err
	case <-time.After(p.ctl.NextBackoffDelay(key)):
	}
	err = h.Do(join)
	if err == nil {
		p.ctl.RecordSuccess(key)
		return nil
	}
	if secs, ok := transport.AsFloodWait(err); ok {
		p.ctl.RecordFloodWait(key, secs)
	} else {
		p.ctl.RecordFailure(key, err.Error())
	}
	p.log.Warn("join chat failed", logx.String("key", registry.MaskPhone(key)), logx.Err(err))
	return err
}
