// Package maintenance runs periodic housekeeping: trimming old send logs
// out of the store and pruning expired session backups.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tgfleet/internal/registry"
	"tgfleet/internal/storage"
	logx "tgfleet/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string        // cron spec, default "0 3 * * *"
	LogKeep  time.Duration // send log retention, default 30 days
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "0 3 * * *"
	}
	if c.LogKeep <= 0 {
		c.LogKeep = 30 * 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg   Config
	store storage.Store // may be nil
	reg   *registry.Registry
	log   logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, store storage.Store, reg *registry.Registry, log logx.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), store: store, reg: reg, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.runOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance scheduled", logx.String("spec", s.cfg.Schedule))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("maintenance stopped")
}

// RunOnce performs one housekeeping pass immediately, outside the
// schedule. Used by the CLI.
func (s *Service) RunOnce(ctx context.Context) {
	s.runOnce(ctx)
}

func (s *Service) runOnce(ctx context.Context) {
	if s.store != nil {
		n, err := s.store.CleanupOldLogs(ctx, s.cfg.LogKeep)
		if err != nil {
			s.log.Warn("send log cleanup failed", logx.Err(err))
		} else if n > 0 {
			s.log.Info("old send logs removed", logx.Int64("count", n))
		}
	}
	if s.reg != nil {
		if n := s.reg.PruneBackups(); n > 0 {
			s.log.Info("old session backups pruned", logx.Int("count", n))
		}
	}
}
