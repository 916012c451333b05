package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses bursts of writes from editors into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever globalPath or projectPath changes
// and hands each valid result to onChange. Invalid files are logged and
// skipped; the previous configuration stays in effect. The parent directories
// are watched so atomic renames are seen. Watch blocks until ctx is done.
func Watch(ctx context.Context, globalPath, projectPath string, debounce time.Duration, logger *slog.Logger, onChange func(*Config)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer w.Close()

	targets := make(map[string]bool)
	for _, p := range []string{globalPath, projectPath} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", p, err)
		}
		targets[abs] = true
		if err := w.Add(filepath.Dir(abs)); err != nil {
			// A missing directory only means that layer is absent.
			logger.Debug("config directory not watched", "dir", filepath.Dir(abs), "error", err)
		}
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !targets[abs] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)

		case <-timer.C:
			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				logger.Warn("config reload rejected", "error", err)
				continue
			}
			logger.Info("config reloaded")
			onChange(cfg)
		}
	}
}
