// Package dictionary implements the three-tier substitution cache (global,
// per-guild, per-user) described in spec.md §4.3: a single exclusive lock
// covers all three sub-caches, the global tier refreshes on a fixed
// interval, and guild/user tiers are populated lazily on first request and
// evicted only by explicit invalidation from the control plane.
package dictionary

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/techfish-11/ttsrelay/internal/storage"
)

// defaultRefreshInterval is the global-tier refresh cadence (spec.md §4.3).
const defaultRefreshInterval = 10 * time.Second

// Scope identifies which sub-cache an [Invalidate] call targets.
type Scope int

const (
	ScopeGuild Scope = iota
	ScopeUser
)

// Cache is the three-tier dictionary cache. The zero value is not usable;
// construct with [New].
//
// Safe for concurrent use: every mutation and snapshot read holds the same
// mutex, per spec.md §4.3 ("All cache mutations happen under a single
// exclusive lock").
type Cache struct {
	store storage.Store

	mu         sync.Mutex
	global     []storage.DictionaryEntry
	guildCache map[string][]storage.DictionaryEntry
	userCache  map[string][]storage.DictionaryEntry

	refreshInterval time.Duration
	stopRefresh     chan struct{}
	stopOnce        sync.Once
}

// Option configures a [Cache].
type Option func(*Cache)

// WithRefreshInterval overrides the global-tier refresh cadence (default
// 10s).
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.refreshInterval = d
		}
	}
}

// New creates a Cache backed by store, populates the global tier
// synchronously, and starts the background refresh loop. Call [Cache.Stop]
// to shut the loop down.
func New(ctx context.Context, store storage.Store, opts ...Option) (*Cache, error) {
	c := &Cache{
		store:           store,
		guildCache:      make(map[string][]storage.DictionaryEntry),
		userCache:       make(map[string][]storage.DictionaryEntry),
		refreshInterval: defaultRefreshInterval,
		stopRefresh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.refreshGlobal(ctx); err != nil {
		// Startup failure is fatal: an empty global dictionary silently
		// changes substitution behaviour for every guild.
		return nil, err
	}

	go c.refreshLoop()
	return c, nil
}

// Stop halts the background refresh loop. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopRefresh) })
}

func (c *Cache) refreshLoop() {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopRefresh:
			return
		case <-ticker.C:
			// Storage errors during refresh are logged and suppressed; the
			// stale cache keeps serving reads (spec.md §4.3 Failure policy).
			if err := c.refreshGlobal(context.Background()); err != nil {
				slog.Warn("dictionary cache: global refresh failed, serving stale data", "err", err)
			}
		}
	}
}

func (c *Cache) refreshGlobal(ctx context.Context) error {
	entries, err := c.store.GlobalDictionary(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.global = entries
	c.mu.Unlock()
	return nil
}

// SnapshotForContext returns the three dictionary slices applicable to a
// normalize call, lazily populating the guild/user tiers from storage on
// first request. guildID and userID may be empty, in which case the
// corresponding slice is nil.
func (c *Cache) SnapshotForContext(ctx context.Context, guildID, userID string) (global, guild, user []storage.DictionaryEntry, err error) {
	c.mu.Lock()
	global = c.global
	var needGuild, needUser bool
	if guildID != "" {
		g, ok := c.guildCache[guildID]
		if ok {
			guild = g
		} else {
			needGuild = true
		}
	}
	if userID != "" {
		u, ok := c.userCache[userID]
		if ok {
			user = u
		} else {
			needUser = true
		}
	}
	c.mu.Unlock()

	if needGuild {
		guild, err = c.store.GuildDictionary(ctx, guildID)
		if err != nil {
			return nil, nil, nil, err
		}
		c.mu.Lock()
		c.guildCache[guildID] = guild
		c.mu.Unlock()
	}
	if needUser {
		user, err = c.store.UserDictionary(ctx, userID)
		if err != nil {
			return nil, nil, nil, err
		}
		c.mu.Lock()
		c.userCache[userID] = user
		c.mu.Unlock()
	}
	return global, guild, user, nil
}

// Invalidate clears the cached entry for the given scope+key, forcing the
// next [Cache.SnapshotForContext] call for that key to re-read storage. This
// is the translation target for the control-plane's
// /guild-dictionary/notify and /user-dictionary/notify (and
// /user-voice/notify, which shares the user-scoped cache) endpoints.
func (c *Cache) Invalidate(scope Scope, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch scope {
	case ScopeGuild:
		delete(c.guildCache, key)
	case ScopeUser:
		delete(c.userCache, key)
	}
}
