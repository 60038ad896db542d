package relay

import (
	"context"
	"encoding/json"
	"time"
)

const settingKey = "relay_config"

// persisted is the flat settings blob. Durations are stored as whole
// seconds so the blob stays readable and editable by hand.
type persisted struct {
	Target          string   `json:"target"`
	Identities      []string `json:"identities"`
	Messages        []string `json:"messages"`
	IntervalSeconds int64    `json:"interval_seconds"`
	JitterSeconds   int64    `json:"jitter_seconds"`
	IdentityIndex   int      `json:"identity_index"`
	MessageIndex    int      `json:"message_index"`
	TotalSent       uint64   `json:"total_sent"`
}

// Save writes the current configuration and rotation position to the
// settings store.
func (s *Scheduler) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	p := persisted{
		Target:          s.cfg.Target,
		Identities:      s.cfg.Identities,
		Messages:        s.cfg.Messages,
		IntervalSeconds: int64(s.cfg.Interval / time.Second),
		JitterSeconds:   int64(s.cfg.Jitter / time.Second),
		IdentityIndex:   s.identIdx,
		MessageIndex:    s.msgIdx,
		TotalSent:       s.totalSent,
	}
	s.mu.Unlock()

	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.store.PutSetting(ctx, settingKey, string(raw))
}

// Load restores a previously saved configuration and rotation position.
// A missing blob is not an error; the scheduler simply stays unconfigured.
func (s *Scheduler) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	raw, ok, err := s.store.GetSetting(ctx, settingKey)
	if err != nil || !ok {
		return err
	}
	var p persisted
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.cfg = Config{
		Target:     p.Target,
		Identities: p.Identities,
		Messages:   p.Messages,
		Interval:   time.Duration(p.IntervalSeconds) * time.Second,
		Jitter:     time.Duration(p.JitterSeconds) * time.Second,
	}
	if len(p.Identities) > 0 {
		s.identIdx = p.IdentityIndex % len(p.Identities)
	}
	if len(p.Messages) > 0 {
		s.msgIdx = p.MessageIndex % len(p.Messages)
	}
	s.totalSent = p.TotalSent
	return nil
}
