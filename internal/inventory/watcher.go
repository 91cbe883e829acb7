package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch runs until ctx is cancelled, invoking onChange whenever the
// inventory document is modified on disk. The parent directory is watched
// rather than the file itself so editors and the store's own atomic rename
// are both observed. Events are debounced: one burst of writes produces one
// onChange call.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inventory watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	logger = logger.With("component", "inventory-watcher", "path", path)
	logger.Info("watching inventory for changes")

	base := filepath.Base(path)
	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounce)
				pendingC = pending.C
			} else {
				if !pending.Stop() {
					<-pendingC
				}
				pending.Reset(debounce)
			}

		case <-pendingC:
			pending = nil
			pendingC = nil
			logger.Info("inventory changed on disk, triggering reload")
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("inventory watcher error", "error", err)
		}
	}
}
