package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the event bursts editors produce on save.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the rule file whenever it changes on disk, until ctx is
// cancelled. The parent directory is watched rather than the file itself
// so atomic rename-over-save (the common editor and configmap behaviour)
// keeps working. A reload that fails to compile is logged and the previous
// snapshot stays active.
func (e *Engine) Watch(ctx context.Context) error {
	if e.path == "" {
		return fmt.Errorf("rules: watch requires a file-backed engine")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules: watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(e.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("rules: watch %s: %w", dir, err)
	}

	target := filepath.Clean(e.path)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending = time.After(watchDebounce)

		case <-pending:
			pending = nil
			if err := e.Reload(); err != nil {
				e.logger.Error("rule reload failed, keeping previous set",
					"path", e.path, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("rule watcher error", "error", err)
		}
	}
}
