package schedule

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"

	"go.ntppool.org/common/logger"
)

// Daemon runs Job every Interval until the context is cancelled. Runs are
// sequential, so a run never overlaps the previous one.
type Daemon struct {
	Interval time.Duration
	Job      func(ctx context.Context) error

	// WatchFile is reloaded with Reload when it changes on disk. Reload
	// returns the interval to use from then on.
	WatchFile string
	Reload    func(ctx context.Context) (time.Duration, error)

	// Debounce for rapid successive file events, 100ms when zero.
	Debounce time.Duration
}

func (d *Daemon) Run(ctx context.Context) error {
	log := logger.FromContext(ctx).WithGroup("daemon")

	debounce := d.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	interval := d.Interval

	var watcher *fsnotify.Watcher
	var watchName string
	if len(d.WatchFile) > 0 && d.Reload != nil {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			log.WarnContext(ctx, "failed to create file watcher, settings are not reloaded", "err", err)
			watcher = nil
		} else {
			dir := filepath.Dir(d.WatchFile)
			watchName = filepath.Base(d.WatchFile)
			// the directory is watched so editors that rename over the
			// file are noticed
			if err := watcher.Add(dir); err != nil {
				log.WarnContext(ctx, "failed to watch settings directory", "dir", dir, "err", err)
				watcher.Close()
				watcher = nil
			} else {
				log.InfoContext(ctx, "watching settings file for changes", "file", d.WatchFile)
			}
		}
	}
	defer func() {
		if watcher != nil {
			watcher.Close()
		}
	}()

	// after a failed run the next attempt comes sooner, but never later
	// than the regular interval
	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = 30 * time.Second
	expback.MaxInterval = interval

	runJob := func() time.Duration {
		if err := d.Job(ctx); err != nil {
			if ctx.Err() != nil {
				return interval
			}
			next := expback.NextBackOff()
			if next == backoff.Stop || next > interval {
				next = interval
			}
			log.ErrorContext(ctx, "run failed", "err", err, "retry_in", next)
			return next
		}
		expback.Reset()
		return interval
	}

	timer := time.NewTimer(runJob())
	defer timer.Stop()

	var debounceTimer *time.Timer

	for {
		var events <-chan fsnotify.Event
		var errs <-chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}
		var debounceC <-chan time.Time
		if debounceTimer != nil {
			debounceC = debounceTimer.C
		}

		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "daemon shutting down")
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case <-timer.C:
			timer.Reset(runJob())

		case event, ok := <-events:
			if !ok {
				log.WarnContext(ctx, "file watcher events channel closed")
				watcher = nil
				continue
			}
			if filepath.Base(event.Name) != watchName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.DebugContext(ctx, "settings file changed", "event", event.String())
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(debounce)

		case err, ok := <-errs:
			if !ok {
				watcher = nil
				continue
			}
			log.WarnContext(ctx, "file watcher error", "err", err)

		case <-debounceC:
			debounceTimer = nil
			next, err := d.Reload(ctx)
			if err != nil {
				log.WarnContext(ctx, "failed to reload settings, keeping the previous ones", "err", err)
				continue
			}
			if next > 0 && next != interval {
				log.InfoContext(ctx, "interval changed", "previous", interval, "interval", next)
				interval = next
				expback.MaxInterval = interval
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(interval)
			}
		}
	}
}
