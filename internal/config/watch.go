package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch re-loads the config file whenever it changes and hands the fresh
// Config to onChange. Editors often write via rename, so the parent
// directory is watched rather than the file itself. Reload errors keep the
// previous config and are logged.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// Debounce bursts of events from a single save.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					cfg, err := Load(path)
					if err != nil {
						slog.Warn("config reload failed, keeping previous", "path", path, "error", err)
						return
					}
					slog.Info("config reloaded", "path", path)
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
