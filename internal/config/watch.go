package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the bursts of events editors produce on save.
var watchDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever the file at path or one of its
// includes changes and passes every configuration that loads and validates
// to onChange. Invalid edits are logged and skipped, so the last good
// configuration stays in effect. Watch blocks until ctx is done.
//
// Directories are watched rather than files so atomic rename-on-save is
// observed.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if onChange == nil {
		return fmt.Errorf("onChange is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config_watch")

	_, sources, err := resolveFile(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	watched := map[string]bool{}
	files := map[string]bool{}
	track := func(sources []string) {
		files = make(map[string]bool, len(sources))
		for _, src := range sources {
			files[src] = true
			dir := filepath.Dir(src)
			if watched[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				logger.Warn("cannot watch config directory", "dir", dir, "error", err)
				continue
			}
			watched[dir] = true
		}
	}
	track(sources)

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !files[name] {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", "error", err)
		case <-reload:
			if _, sources, err := resolveFile(path); err == nil {
				track(sources)
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("ignoring invalid config change", "path", path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", path)
			onChange(cfg)
		}
	}
}
