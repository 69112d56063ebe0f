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

// Watcher reloads the layered config when one of its files changes and keeps
// the latest valid result.
type Watcher struct {
	loader   *Loader
	explicit string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	onChange func(*Config)

	// Files of interest; directories are watched so editor rename-on-save
	// is seen.
	files map[string]struct{}

	mu      sync.RWMutex
	current *Config
	dirty   bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long to wait for more changes before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithOnChange registers a callback invoked with each successfully reloaded
// config.
func WithOnChange(fn func(*Config)) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher loads the config once and prepares watches on its files.
// explicit is the --config path, or empty to search for the project file.
func NewWatcher(loader *Loader, explicit string, opts ...WatcherOption) (*Watcher, error) {
	initial, err := loader.load(explicit)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		loader:   loader,
		explicit: explicit,
		watcher:  fsw,
		logger:   slog.Default(),
		debounce: 200 * time.Millisecond,
		files:    make(map[string]struct{}),
		current:  initial,
	}
	for _, opt := range opts {
		opt(w)
	}

	dirs := make(map[string]struct{})
	for _, p := range loader.Paths(explicit) {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		w.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("Failed to watch config directory",
				"path", dir,
				"error", err)
		}
	}

	return w, nil
}

// Current returns the latest valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Files returns the watched config files.
func (w *Watcher) Files() []string {
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	return out
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	w.logger.Debug("Config watcher started", "files", len(w.files))

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	if _, ok := w.files[abs]; !ok {
		return
	}

	w.mu.Lock()
	w.dirty = true
	w.mu.Unlock()

	w.logger.Debug("Config change detected", "path", abs, "op", event.Op.String())
}

// flushPending reloads once per debounce window after any change.
func (w *Watcher) flushPending() {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	w.dirty = false
	w.mu.Unlock()

	w.reload()
}

func (w *Watcher) reload() {
	cfg, err := w.loader.load(w.explicit)
	if err != nil {
		// Keep serving the previous config; a half-saved file is common.
		w.logger.Warn("Config reload failed, keeping previous config", "error", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("Config reloaded", "model", cfg.Model)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
