package playback

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// janitorInterval matches spec.md §6's "hourly janitor" for the tmp/ WAV
// layout.
const janitorInterval = time.Hour

// Janitor periodically removes stale .wav files from a directory. It is
// grounded on the original implementation's cleanup_temp_files cog task: a
// repository that defines a tmp/ layout and never sweeps it would leak disk
// space indefinitely across restarts and crashed playback attempts.
type Janitor struct {
	dir      string
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewJanitor creates a Janitor that sweeps dir every hour (override via
// [JanitorOption]).
func NewJanitor(dir string, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		dir:      dir,
		interval: janitorInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// JanitorOption configures a [Janitor].
type JanitorOption func(*Janitor)

// WithJanitorInterval overrides the default hourly sweep cadence.
func WithJanitorInterval(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

// Start runs the sweep loop in a background goroutine until ctx is
// cancelled or [Janitor.Stop] is called.
func (j *Janitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

// Stop halts the sweep loop and waits for it to exit. Safe to call more than
// once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
	<-j.done
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			if err := j.Sweep(); err != nil {
				slog.Warn("playback: janitor sweep failed", "dir", j.dir, "err", err)
			}
		}
	}
}

// Sweep removes every *.wav file directly under the janitor's directory. A
// missing directory is not an error (nothing to clean up yet).
func (j *Janitor) Sweep() error {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var removed int
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wav" {
			continue
		}
		path := filepath.Join(j.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("playback: janitor failed to remove file", "path", path, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("playback: janitor swept temp files", "dir", j.dir, "removed", removed)
	}
	return nil
}
