package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads tunables whenever the config file changes on disk.
// Blocks until ctx is cancelled; callers run it in a goroutine.
func Watch(ctx context.Context, cfg *Config, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		// File may not exist yet; env-only setups run without hot reload.
		slog.Debug("config watch disabled", "path", path, "error", err)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := cfg.Reload(path); err != nil {
				slog.Warn("config reload failed", "error", err)
				continue
			}
			slog.Info("config reloaded", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
