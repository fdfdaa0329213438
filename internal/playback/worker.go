// Package playback implements the Playback Worker component from spec.md
// §4.5: one actor loop per active guild session that drains the guild's
// queue, normalizes and synthesizes each item, and plays it back, with error
// isolation so one bad item never kills the loop.
package playback

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/techfish-11/ttsrelay/internal/normalizer"
	"github.com/techfish-11/ttsrelay/internal/observe"
	"github.com/techfish-11/ttsrelay/internal/queue"
	"github.com/techfish-11/ttsrelay/internal/storage"
	"github.com/techfish-11/ttsrelay/internal/ttsclient"
	"github.com/techfish-11/ttsrelay/pkg/voice"
)

const (
	dequeuePollInterval   = 100 * time.Millisecond
	playbackPollInterval  = 500 * time.Millisecond
	defaultSpeakSpeed     = 1.0
	synthesizedFilePrefix = "queue"
)

// ContextBuilder builds a [normalizer.Context] for a guild/author pair,
// supplying the mention/role resolvers scoped to that guild's member list.
// The Session Manager / Event Router wiring supplies this, since only the
// Discord gateway collaborator knows how to resolve ids to display names.
type ContextBuilder func(guildID, authorID string) normalizer.Context

// Worker drains one guild's queue and plays synthesized audio through a
// single voice connection. Its lifecycle is tied to that connection: the
// Session Manager constructs a Worker on connect and stops it on disconnect.
// The zero value is not usable; construct with [New].
type Worker struct {
	guildID      string
	shard        int
	conn         voice.Connection
	queue        *queue.Manager
	normalizer   *normalizer.Normalizer
	tts          *ttsclient.Client
	store        storage.Store
	metrics      *observe.Metrics
	buildContext ContextBuilder
	isConnected  func() bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Config supplies a Worker's collaborators.
type Config struct {
	GuildID      string
	Shard        int
	Conn         voice.Connection
	Queue        *queue.Manager
	Normalizer   *normalizer.Normalizer
	TTS          *ttsclient.Client
	Store        storage.Store
	Metrics      *observe.Metrics
	BuildContext ContextBuilder

	// IsConnected reports whether the owning session still considers this
	// worker's connection live. When nil, the worker assumes it always is
	// (used by tests and by callers that tear the worker down synchronously
	// on disconnect instead).
	IsConnected func() bool
}

// New creates a Worker from cfg. Call [Worker.Start] to begin draining the
// queue.
func New(cfg Config) *Worker {
	isConnected := cfg.IsConnected
	if isConnected == nil {
		isConnected = func() bool { return true }
	}
	return &Worker{
		guildID:      cfg.GuildID,
		shard:        cfg.Shard,
		conn:         cfg.Conn,
		queue:        cfg.Queue,
		normalizer:   cfg.Normalizer,
		tts:          cfg.TTS,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		buildContext: cfg.BuildContext,
		isConnected:  isConnected,
		done:         make(chan struct{}),
	}
}

// Start launches the worker's loop in a background goroutine. ctx governs
// the worker's entire lifetime; cancelling it (or calling [Worker.Stop])
// interrupts the loop within one poll tick.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(ctx)
}

// Stop cancels the worker and blocks until its loop has exited.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, ok := w.queue.TryDequeue(w.guildID)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeuePollInterval):
			}
			continue
		}

		w.processItemSafely(ctx, item)
	}
}

// processItemSafely wraps processItem with a panic recovery so an unhandled
// exception in one iteration can never terminate the worker (spec.md §7:
// "a global loop-level handler that logs and increments the error counter").
func (w *Worker) processItemSafely(ctx context.Context, item queue.Item) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("playback: recovered from panic processing item", "guild", w.guildID, "panic", r)
			w.incError()
		}
	}()
	w.processItem(ctx, item)
}

func (w *Worker) processItem(ctx context.Context, item queue.Item) {
	if !w.isConnected() {
		slog.Warn("playback: dropping item, session no longer connected", "guild", w.guildID)
		return
	}

	nc := normalizer.Context{}
	if w.buildContext != nil {
		nc = w.buildContext(w.guildID, item.AuthorID)
	}
	nc.GuildID = w.guildID
	nc.UserID = item.AuthorID

	text, err := w.normalizer.Normalize(ctx, item.Text, nc)
	if err != nil {
		slog.Warn("playback: normalize failed", "guild", w.guildID, "err", err)
		w.incError()
		return
	}

	speed := w.guildSpeed(ctx)

	path, err := w.tts.SynthesizeToFile(ctx, text, item.SpeakerID, speed, synthesizedFilePrefix)
	if err != nil {
		slog.Warn("playback: synthesis failed", "guild", w.guildID, "err", err)
		w.incError()
		return
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("playback: cleanup failed", "path", path, "err", rmErr)
		}
	}()

	if !w.isConnected() {
		return
	}
	if err := w.conn.Play(ctx, path); err != nil {
		slog.Warn("playback: play failed", "guild", w.guildID, "err", err)
		w.incError()
		return
	}

	for w.conn.IsPlaying() {
		select {
		case <-ctx.Done():
			w.conn.StopPlayback()
			return
		case <-time.After(playbackPollInterval):
		}
	}

	w.incTTS()
}

func (w *Worker) guildSpeed(ctx context.Context) float64 {
	if w.store == nil {
		return defaultSpeakSpeed
	}
	speed, ok, err := w.store.GuildSpeed(ctx, w.guildID)
	if err != nil {
		slog.Warn("playback: guild speed lookup failed, using default", "guild", w.guildID, "err", err)
		return defaultSpeakSpeed
	}
	if !ok {
		return defaultSpeakSpeed
	}
	return speed
}

func (w *Worker) incTTS() {
	if w.metrics != nil {
		w.metrics.IncTTS(w.shard)
	}
}

func (w *Worker) incError() {
	if w.metrics != nil {
		w.metrics.IncError(w.shard)
	}
}
