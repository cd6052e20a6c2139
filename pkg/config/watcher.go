package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly parsed config after a file change.
// Only runtime-adjustable knobs (log level, sampling) should be acted
// on; persistence and tracing semantics never change mid-flight.
type ReloadFunc func(*Config)

// Watcher re-reads the config file when it changes on disk. Editors
// often replace files (rename + create), so the watch is placed on the
// parent directory and filtered by name.
type Watcher struct {
	path     string
	onReload ReloadFunc
	logger   *slog.Logger

	// debounce interval between a write burst and the reload
	settle time.Duration
}

// NewWatcher builds a config file watcher. The returned watcher does
// nothing until Run is called.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, onReload: onReload, logger: logger, settle: 250 * time.Millisecond}
}

// Run blocks watching the config file until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.settle)
				timerCh = timer.C
			} else {
				timer.Reset(w.settle)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "error", err)
		case <-timerCh:
			timer = nil
			timerCh = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload skipped", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			if w.onReload != nil {
				w.onReload(cfg)
			}
		}
	}
}
