package config

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Watcher periodically re-reads the environment and calls a callback when
// the TTS engine URL list changes. It uses polling, not an fsnotify-style
// watch, since the source of truth is the process environment rather than a
// file.
type Watcher struct {
	lookup   LookupFunc
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 10 seconds, per
// the Dictionary Cache's global refresh cadence this mirrors.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates an environment watcher seeded with the already-loaded
// initial config, then starts polling in a background goroutine.
func NewWatcher(initial *Config, lookup LookupFunc, onChange func(old, new *Config), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		lookup:   lookup,
		interval: 10 * time.Second,
		onChange: onChange,
		current:  initial,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.poll()
	return w
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check re-reads the TTS engine URL list and, if it changed, produces a new
// Config (copied from the current one with the refreshed list) and invokes
// onChange.
func (w *Watcher) check() {
	fresh := parseEngineURLs(w.lookup)

	w.mu.Lock()
	old := w.current
	unchanged := slices.Equal(old.TTSEngineURLs, fresh)
	w.mu.Unlock()

	if unchanged {
		return
	}

	next := *old
	next.TTSEngineURLs = fresh

	w.mu.Lock()
	w.current = &next
	w.mu.Unlock()

	slog.Info("config watcher: TTS engine URL list changed", "urls", fresh)

	if w.onChange != nil {
		w.onChange(old, &next)
	}
}
