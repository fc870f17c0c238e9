package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher reloads the config file whenever its content changes. A valid new
// config is handed to the change callback together with the one it replaces.
// An invalid edit is reported and ignored, so the last valid config stays
// current and running sessions are never affected.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)

	mu      sync.Mutex
	current *Config
	digest  [sha256.Size]byte
	failed  [sha256.Size]byte

	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is read. Default: 2s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithErrorHandler sets a callback for edits that fail to load. Each broken
// file content is reported once. Default: a warning log line.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads the file at path and starts watching it. onChange may be
// nil. It fails when the initial content does not load.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
		onChange: onChange,
		onError: func(err error) {
			slog.Warn("config reload rejected; keeping previous config", "path", path, "err", err)
		},
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.digest = sha256.Sum256(data)

	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends watching. No change callback runs after Stop returns. It is
// idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

// reload reads the file once and applies it if its content changed.
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		// Editors that replace the file may leave it briefly missing.
		slog.Debug("config file unreadable", "path", w.path, "err", err)
		return
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if sum == w.digest || sum == w.failed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.mu.Lock()
		w.failed = sum
		w.mu.Unlock()
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.digest = sum
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config reloaded",
		"path", w.path,
		"provider", d.ProviderChanged,
		"agent", d.AgentChanged,
		"audio", d.AudioChanged,
		"session", d.SessionChanged,
	)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}
