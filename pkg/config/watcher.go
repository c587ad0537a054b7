// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors configuration files for changes and triggers reload.
// Directories are watched rather than files so that editors that replace
// the file on save are still observed.
type Watcher struct {
	mu        sync.RWMutex
	fsw       *fsnotify.Watcher
	sources   Sources
	paths     map[string]struct{}
	debounce  time.Duration
	pending   time.Time
	config    *Config
	listeners []func(*Config)
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	logger    *slog.Logger
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithWatchInterval sets how long the watcher waits after the last file
// event before reloading.
func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithWatchSources sets the profile and overrides re-applied on every reload.
// The path is taken from the watched files.
func WithWatchSources(src Sources) WatcherOption {
	return func(w *Watcher) {
		w.sources.Profile = src.Profile
		w.sources.Sets = src.Sets
	}
}

// NewWatcher creates a new configuration watcher. The first path is the
// main configuration file; further paths only trigger reloads.
func NewWatcher(paths []string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		paths:    make(map[string]struct{}),
		debounce: 100 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if len(paths) > 0 {
		w.sources.Path = paths[0]
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.fsw = fsw

	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		w.paths[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	cfg, err := LoadSources(w.sources)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	w.config = cfg
	return w, nil
}

// OnChange registers a callback to be called when config changes.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start begins watching for configuration changes.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.watch(ctx)
}

// Stop stops the watcher and releases its file handles.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.RLock()
		started := w.started
		w.mu.RUnlock()
		if started {
			<-w.doneCh
		}
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("config.watch.close_failed", "error", err)
		}
	})
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / 2
	if tick <= 0 {
		tick = w.debounce
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config.watch.error", "error", err)
		case now := <-ticker.C:
			if w.due(now) {
				w.reload()
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		abs = event.Name
	}
	if _, ok := w.paths[abs]; !ok {
		return
	}
	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

// due reports whether a change is pending and has been quiet for the debounce window.
func (w *Watcher) due(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending.IsZero() || now.Sub(w.pending) < w.debounce {
		return false
	}
	w.pending = time.Time{}
	return true
}

func (w *Watcher) reload() {
	w.logger.Info("config.reload.start", "path", w.sources.Path)

	cfg, err := LoadSources(w.sources)
	if err != nil {
		w.logger.Error("config.reload.failed", "error", err)
		return
	}

	w.mu.Lock()
	w.config = cfg
	listeners := make([]func(*Config), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	w.logger.Info("config.reload.done")

	for _, fn := range listeners {
		fn(cfg)
	}
}

// WatchConfig creates a watcher for src and starts watching. The profile
// file, when it exists, is watched too.
func WatchConfig(ctx context.Context, src Sources, opts ...WatcherOption) (*Watcher, *Config, error) {
	var paths []string
	if src.Path != "" {
		paths = append(paths, src.Path)
		if profile := ProfilePath(src.Path, src.Profile); profile != "" {
			paths = append(paths, profile)
		}
	}
	opts = append([]WatcherOption{WithWatchSources(src)}, opts...)
	watcher, err := NewWatcher(paths, opts...)
	if err != nil {
		return nil, nil, err
	}

	watcher.Start(ctx)
	return watcher, watcher.Config(), nil
}

// ReloadableConfig provides a thread-safe wrapper around Config
// that can be atomically updated.
type ReloadableConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewReloadableConfig creates a new reloadable config wrapper.
func NewReloadableConfig(cfg *Config) *ReloadableConfig {
	return &ReloadableConfig{config: cfg}
}

// Get returns the current configuration.
func (r *ReloadableConfig) Get() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Update atomically replaces the configuration.
func (r *ReloadableConfig) Update(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg
}

// Interpreter returns the interpreter configuration.
func (r *ReloadableConfig) Interpreter() InterpreterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Interpreter
}

// History returns the history configuration.
func (r *ReloadableConfig) History() HistoryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.History
}

// Log returns the log configuration.
func (r *ReloadableConfig) Log() LogConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Log
}
