package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watcher reloads the config file on change and hands the result to a
// callback. Editors replace files via rename, so the parent directory is
// watched instead of the file itself.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	timer    *time.Timer
	lastHash string
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string, current *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	w := &Watcher{path: path, watcher: fsw}
	if current != nil {
		w.lastHash = current.Hash()
	}
	return w, nil
}

// Run blocks until ctx is done, invoking onReload with each successfully
// loaded config whose content actually changed.
func (w *Watcher) Run(ctx context.Context, onReload func(*Config)) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.trigger(onReload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config.watch_error", "error", err)
		}
	}
}

// trigger debounces bursts of write events into one reload.
func (w *Watcher) trigger(onReload func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		cfg, err := Load(w.path)
		if err != nil {
			slog.Error("config.reload_failed", "path", w.path, "error", err)
			return
		}
		h := cfg.Hash()
		w.mu.Lock()
		unchanged := h == w.lastHash
		if !unchanged {
			w.lastHash = h
		}
		w.mu.Unlock()
		if unchanged {
			return
		}
		slog.Info("config.reloaded", "path", w.path)
		onReload(cfg)
	})
}
