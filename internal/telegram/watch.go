package telegram

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// WatchTokenFile reloads the store when its backing file changes. The parent
// directory is watched so editors and secret mounts that replace the file by
// rename are still seen. Bursts of events collapse into one reload. The
// watcher stops with ctx.
func (s *TokenStore) WatchTokenFile(ctx context.Context, onReload func(changed bool, err error)) error {
	if s.loader == nil || s.loader.Path() == "" {
		return nil
	}
	path := filepath.Clean(s.loader.Path())

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == path && !ev.Has(fsnotify.Chmod) {
					pending = time.After(watchDebounce)
				}
			case <-pending:
				pending = nil
				changed, err := s.Reload()
				switch {
				case err != nil:
					slog.Error("telegram: token reload failed", "path", path, "err", err)
				case changed:
					slog.Info("telegram: bot token reloaded", "path", path)
				}
				if onReload != nil {
					onReload(changed, err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("telegram: watch error", "err", err)
			}
		}
	}()
	return nil
}
