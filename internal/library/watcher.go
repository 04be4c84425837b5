package library

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog when the file changes on disk, so external
// edits show up without a restart. Changes are debounced since editors
// replace files with bursts of events. Returns a stop function.
func (l *Library) Watch(debounce time.Duration) (func(), error) {
	if debounce <= 0 {
		debounce = 1500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go l.watchLoop(ctx, watcher, debounce)

	l.logger.Info("Catalog watcher started", "path", l.path, "debounce", debounce)
	return func() {
		cancel()
		watcher.Close()
	}, nil
}

func (l *Library) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Write for in-place edits, Create for editors that replace
			// the file.
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(debounce)
				timerC = timer.C
			}

		case <-timerC:
			timerC = nil
			l.mu.Lock()
			err := l.loadLocked()
			count := len(l.cfg.Sources)
			l.mu.Unlock()
			if err != nil {
				l.logger.Warn("Catalog reload failed", "error", err)
				continue
			}
			l.logger.Info("Catalog reloaded", "sources", count)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Catalog watcher error", "error", err)
		}
	}
}
