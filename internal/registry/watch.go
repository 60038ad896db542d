package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tgfleet/pkg/logx"
)

// Watch observes the sessions dir and calls onChange with the current
// candidate list after artifacts appear, change, or disappear. Events are
// debounced so a multi-file import produces one callback. Blocks until ctx
// is done.
//
// When fsnotify gets into a bad state the watcher is recreated with a small
// backoff, same self-heal strategy as the config watcher.
func (r *Registry) Watch(ctx context.Context, onChange func(keys []string)) error {
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
		debounceWindow     = 300 * time.Millisecond
	)
	backoff := restartBackoffBase

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceWindow, func() {
			if ctx.Err() != nil {
				return
			}
			keys := r.ListCandidates()
			r.log.Debug("sessions dir changed", logx.Int("candidates", len(keys)))
			onChange(keys)
		})
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(r.dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			r.log.Warn("sessions watch init failed", logx.Err(err), logx.String("dir", r.dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < restartBackoffMax {
				backoff *= 2
				if backoff > restartBackoffMax {
					backoff = restartBackoffMax
				}
			}
			continue
		}

		backoff = restartBackoffBase
		r.log.Debug("sessions watcher started", logx.String("dir", r.dir))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				name := strings.ToLower(ev.Name)
				if strings.HasSuffix(name, journalSuffix) {
					continue
				}
				if strings.HasSuffix(name, artifactExt) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err != nil {
					r.log.Warn("sessions watch error", logx.Err(err), logx.String("dir", r.dir))
				}
			}
		}
		_ = w.Close()
	}
}
