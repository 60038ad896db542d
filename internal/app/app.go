// Package app assembles the process: configuration in, wired components
// out. Every component is constructed here and handed its collaborators
// explicitly; nothing reaches for global state.
package app

import (
	"context"
	"net/http"
	"time"

	"tgfleet/internal/config"
	"tgfleet/internal/dispatch"
	"tgfleet/internal/maintenance"
	"tgfleet/internal/metrics"
	"tgfleet/internal/pool"
	"tgfleet/internal/ratelimit"
	"tgfleet/internal/registry"
	"tgfleet/internal/relay"
	"tgfleet/internal/runtime/supervisor"
	"tgfleet/internal/storage"
	"tgfleet/internal/transport/telegram"
	logx "tgfleet/pkg/logx"
)

type App struct {
	cfg    *config.Config
	logSvc *logx.Service
	Log    logx.Logger

	Store    storage.Store
	Registry *registry.Registry
	Control  *ratelimit.Controller
	Metrics  *metrics.Metrics
	Pool     *pool.Pool
	Dispatch *dispatch.Engine
	Relay    *relay.Scheduler
	Maint    *maintenance.Service

	sup        *supervisor.Supervisor
	metricsSrv *http.Server
}

func New(cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	reg, err := registry.New(registry.Config{
		Dir:            cfg.Sessions.Dir,
		BackupDir:      cfg.Sessions.BackupDir,
		BackupKeepDays: cfg.Sessions.BackupKeepDays,
	}, log.With(logx.String("comp", "registry")))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	ctl := ratelimit.New(ratelimit.Config{
		RetryBase:     cfg.RateLimit.RetryBase,
		RetryMaxDelay: cfg.RateLimit.RetryMaxDelay,
		MaxWait:       cfg.RateLimit.MaxWait,
	})

	var met *metrics.Metrics
	if cfg.Metrics.Enabled {
		met = metrics.New()
	}

	dialer := telegram.NewDialer(cfg.Telegram.Tokens, 0, log.With(logx.String("comp", "telegram")))

	p := pool.New(pool.Config{
		MaxParallel:       cfg.Pool.MaxParallel,
		DisconnectTimeout: cfg.Pool.DisconnectTimeout,
	}, dialer, reg, store, ctl, met, log.With(logx.String("comp", "pool")))

	disp := dispatch.New(dispatch.Config{
		PaceDelay:  cfg.Dispatch.PaceDelay,
		MaxRetries: cfg.Dispatch.MaxRetries,
		RatePerSec: cfg.Dispatch.RatePerSec,
	}, p, ctl, store, met, log.With(logx.String("comp", "dispatch")))

	rel := relay.New(disp, store, met, log.With(logx.String("comp", "relay")))

	maint := maintenance.New(maintenance.Config{
		Enabled:  cfg.Maintenance.Enabled,
		Schedule: cfg.Maintenance.Schedule,
		LogKeep:  cfg.Maintenance.LogKeep,
	}, store, reg, log.With(logx.String("comp", "maintenance")))

	return &App{
		cfg:      cfg,
		logSvc:   logSvc,
		Log:      log,
		Store:    store,
		Registry: reg,
		Control:  ctl,
		Metrics:  met,
		Pool:     p,
		Dispatch: disp,
		Relay:    rel,
		Maint:    maint,
	}, nil
}

// Start brings up the background pieces: the metrics endpoint, the
// sessions-directory watcher, and the maintenance schedule. The relay is
// not auto-started; its saved state is loaded so an explicit start
// resumes where it left off.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.Log))

	if err := a.Relay.Load(ctx); err != nil {
		a.Log.Warn("relay state load failed", logx.Err(err))
	}
	if err := a.Maint.Start(ctx); err != nil {
		return err
	}

	if a.Metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		a.metricsSrv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
		a.sup.Go("metrics.http", func(ctx context.Context) error {
			err := a.metricsSrv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		a.Log.Info("metrics listening", logx.String("addr", a.cfg.Metrics.Addr))
	}

	if a.cfg.Sessions.Watch {
		a.sup.GoRestart("sessions.watch", func(ctx context.Context) error {
			return a.Registry.Watch(ctx, a.onSessionsChanged)
		}, 250*time.Millisecond, 5*time.Second)
	}
	return nil
}

// onSessionsChanged reconciles stored statuses after artifacts appear or
// disappear under the sessions directory.
func (a *App) onSessionsChanged(keys []string) {
	a.Log.Info("session artifacts changed", logx.Int("count", len(keys)))
	if a.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.Pool.RefreshStatus(ctx); err != nil {
		a.Log.Warn("status refresh failed", logx.Err(err))
	}
}

// Stop tears things down in dependency order and never blocks
// indefinitely on a stuck collaborator.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error

	if err := a.Relay.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	// Save rotation position only when a rotation is configured, so a
	// short-lived CLI invocation does not blank a saved relay.
	if a.Relay.Status().Target != "" {
		if err := a.Relay.Save(ctx); err != nil {
			a.Log.Warn("relay state save failed", logx.Err(err))
		}
	}
	a.Maint.Stop()

	if n := a.Pool.DisconnectAll(ctx); n > 0 {
		a.Log.Info("disconnected", logx.Int("count", n))
	}

	if a.metricsSrv != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = a.metricsSrv.Shutdown(shCtx)
		cancel()
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = a.logSvc.Close()
	return firstErr
}
