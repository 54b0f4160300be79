package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the settings file and invokes a reload callback when it
// changes. The serve surface uses it to pick up new governance settings
// between execution instances; a running instance never sees a settings
// change.
type Watcher struct {
	path         string
	watcher      *fsnotify.Watcher
	reload       func(string) error
	logger       *slog.Logger
	debounceTime time.Duration

	running bool
	mu      sync.Mutex
	stopped chan struct{}
}

// NewWatcher creates a settings file watcher.
func NewWatcher(path string, reload func(string) error, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:         path,
		watcher:      fsWatcher,
		reload:       reload,
		logger:       logger,
		debounceTime: time.Second,
		stopped:      make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file
// itself because editors typically write a temp file and rename it over the
// original.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.logger.Info("settings watcher started", "path", w.path)
	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
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
			// Debounce bursts of events from a single save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounceTime, func() {
				if err := w.reload(w.path); err != nil {
					w.logger.Error("settings reload failed", "path", w.path, "error", err)
					return
				}
				w.logger.Info("settings reloaded", "path", w.path)
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("settings watcher error", "error", err)
		}
	}
}

// Stop ends the watch and releases the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopped)
	return w.watcher.Close()
}
