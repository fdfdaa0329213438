// Command ttsrelay is the main entry point for the multi-tenant TTS relay
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/techfish-11/ttsrelay/internal/config"
	"github.com/techfish-11/ttsrelay/internal/dictionary"
	"github.com/techfish-11/ttsrelay/internal/discord"
	"github.com/techfish-11/ttsrelay/internal/health"
	"github.com/techfish-11/ttsrelay/internal/normalizer"
	"github.com/techfish-11/ttsrelay/internal/observe"
	"github.com/techfish-11/ttsrelay/internal/playback"
	"github.com/techfish-11/ttsrelay/internal/queue"
	"github.com/techfish-11/ttsrelay/internal/router"
	"github.com/techfish-11/ttsrelay/internal/session"
	"github.com/techfish-11/ttsrelay/internal/storage"
	"github.com/techfish-11/ttsrelay/internal/ttsclient"
)

const tmpDir = "tmp"

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ttsrelay: %v\n", err)
		return 1
	}

	slog.Info("ttsrelay starting",
		"engines", cfg.TTSEngineURLs,
		"debug", cfg.Debug,
		"http_port", cfg.HTTPPort,
		"shard_count", cfg.ShardCount,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mainWithConfig(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func mainWithConfig(ctx context.Context, cfg *config.Config) error {
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "ttsrelay"})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	pool, pgStore, err := storage.Connect(ctx, buildDSN(cfg.DB))
	if err != nil {
		return fmt.Errorf("connect storage: %w", err)
	}
	defer pool.Close()

	store := storage.Store(storage.NewDebugGuard(pgStore, cfg.Debug))

	dictCache, err := dictionary.New(ctx, store)
	if err != nil {
		return fmt.Errorf("init dictionary cache: %w", err)
	}
	defer dictCache.Stop()

	norm := normalizer.New(dictCache)

	var engineURLs atomic.Pointer[[]string]
	initialURLs := slices.Clone(cfg.TTSEngineURLs)
	engineURLs.Store(&initialURLs)

	engineWatcher := config.NewWatcher(cfg, os.LookupEnv, func(old, next *config.Config) {
		slog.Info("tts engine list updated", "old", old.TTSEngineURLs, "new", next.TTSEngineURLs)
		urls := slices.Clone(next.TTSEngineURLs)
		engineURLs.Store(&urls)
	})
	defer engineWatcher.Stop()

	tts := ttsclient.New(func() []string {
		if p := engineURLs.Load(); p != nil {
			return *p
		}
		return nil
	}, tmpDir, ttsclient.WithMetrics(metrics))

	queueMgr := queue.NewManager()

	gateway, err := discord.New(cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("connect discord gateway: %w", err)
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			slog.Warn("discord gateway close", "err", err)
		}
	}()

	sessionMgr := session.New(session.Config{
		Queue:          queueMgr,
		Normalizer:     norm,
		TTS:            tts,
		Store:          store,
		Metrics:        metrics,
		Shard:          0,
		ConnectTimeout: cfg.VoiceConnectTimeout,
		HighLoadWindow: cfg.HighLoadWindow,
		PlatformFor:    gateway.PlatformFor,
		ResolveUser:    gateway.ResolveUser,
		ResolveRole:    gateway.ResolveRole,
		Notify:         gateway.Notify,
	})

	bans := router.NewBanSet()
	if err := bans.Load(ctx, store); err != nil {
		return fmt.Errorf("load ban set: %w", err)
	}

	eventRouter := router.New(router.Config{
		Sessions: sessionMgr,
		Queue:    queueMgr,
		Bans:     bans,
		Ack:      gateway.Ack,
	})
	gateway.Wire(eventRouter)

	janitor := playback.NewJanitor(tmpDir)
	janitor.Start(ctx)
	defer janitor.Stop()

	if cfg.Reconnect {
		if err := sessionMgr.StartupRecover(ctx); err != nil {
			slog.Warn("startup voice recovery failed", "err", err)
		}
	}

	healthHandler := health.New(
		health.Checker{Name: "database", Check: func(ctx context.Context) error { return pool.Ping(ctx) }},
		health.Checker{Name: "tts_engines", Check: func(context.Context) error {
			if p := engineURLs.Load(); p == nil || len(*p) == 0 {
				return fmt.Errorf("no TTS engine URLs configured")
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.Healthz)
	mux.HandleFunc("/readyz", healthHandler.Readyz)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: observe.Middleware(metrics)(mux),
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("control-plane HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		sessionMgr.RunSyncLoop(gctx, 0)
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.FlushPerMinuteCounters(gctx)
			}
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				count := gateway.GuildCount()
				metrics.SetGuildCount(gctx, 0, int64(count))
				metrics.SetVoiceRoomCount(gctx, 0, int64(sessionMgr.ActiveSessionCount()))
				if err := store.RecordServerStats(gctx, count); err != nil {
					slog.Warn("record server stats failed", "err", err)
				}
			}
		}
	})

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})

	slog.Info("server ready — press Ctrl+C to shut down")
	return group.Wait()
}

// buildDSN assembles a libpq-style connection string from db, URL-encoding
// the password so special characters don't break DSN parsing.
func buildDSN(db config.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   db.Host + ":" + db.Port,
		Path:   "/" + db.Name,
	}
	if db.User != "" {
		if db.Password != "" {
			u.User = url.UserPassword(db.User, db.Password)
		} else {
			u.User = url.User(db.User)
		}
	}
	q := u.Query()
	if db.SSL != "" {
		q.Set("sslmode", db.SSL)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
