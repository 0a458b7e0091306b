package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Nudge watches dir with fsnotify and coalesces create/write bursts into a
// signal channel the pipeline selects on to poll ahead of schedule. Filesystem
// events are advisory only; stability and dedup stay with the Poller.
func Nudge(ctx context.Context, dir string, debounce time.Duration, logger *slog.Logger) (<-chan struct{}, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create fsnotify watcher", "error", err)
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		logger.Error("failed to watch directory", "dir", dir, "error", err)
		_ = w.Close()
		return nil, err
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		signal := func() {
			select {
			case ch <- struct{}{}:
			default:
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if debounce > 0 {
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, signal)
				} else {
					signal()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("fsnotify error", "dir", dir, "error", err)
			}
		}
	}()
	return ch, nil
}
