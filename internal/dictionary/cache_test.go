package dictionary

import (
	"context"
	"testing"
	"time"

	"github.com/techfish-11/ttsrelay/internal/storage"
)

func TestCache_SnapshotForContext_LazyLoadsAndCaches(t *testing.T) {
	store := storage.NewMemStore()
	store.SeedGlobal("cat", "ねこ")
	store.SeedGuild("g1", "dog", "いぬ")
	store.SeedUser("u1", "bird", "とり")

	c, err := New(context.Background(), store, WithRefreshInterval(time.Hour))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()

	global, guild, user, err := c.SnapshotForContext(context.Background(), "g1", "u1")
	if err != nil {
		t.Fatalf("SnapshotForContext: %v", err)
	}
	if len(global) != 1 || global[0].Key != "cat" {
		t.Errorf("unexpected global snapshot: %+v", global)
	}
	if len(guild) != 1 || guild[0].Key != "dog" {
		t.Errorf("unexpected guild snapshot: %+v", guild)
	}
	if len(user) != 1 || user[0].Key != "bird" {
		t.Errorf("unexpected user snapshot: %+v", user)
	}

	// Mutate storage directly: the cached guild/user tiers must NOT see it
	// until invalidated.
	store.SeedGuild("g1", "fox", "きつね")
	_, guild2, _, err := c.SnapshotForContext(context.Background(), "g1", "")
	if err != nil {
		t.Fatalf("SnapshotForContext (2nd): %v", err)
	}
	if len(guild2) != 1 {
		t.Fatalf("expected guild cache to still be stale (1 entry), got %d", len(guild2))
	}

	c.Invalidate(ScopeGuild, "g1")
	_, guild3, _, err := c.SnapshotForContext(context.Background(), "g1", "")
	if err != nil {
		t.Fatalf("SnapshotForContext (3rd): %v", err)
	}
	if len(guild3) != 2 {
		t.Fatalf("expected guild cache to reflect storage after invalidation (2 entries), got %d", len(guild3))
	}
}

func TestCache_UserInvalidation(t *testing.T) {
	store := storage.NewMemStore()
	store.SeedUser("u1", "k", "v1")

	c, err := New(context.Background(), store, WithRefreshInterval(time.Hour))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()

	_, _, user, _ := c.SnapshotForContext(context.Background(), "", "u1")
	if user[0].Value != "v1" {
		t.Fatalf("expected v1, got %+v", user)
	}

	store.SeedUser("u1", "k", "v2")
	c.Invalidate(ScopeUser, "u1")

	_, _, user, _ = c.SnapshotForContext(context.Background(), "", "u1")
	if user[0].Value != "v2" {
		t.Fatalf("expected v2 after invalidation, got %+v", user)
	}
}

func TestCache_GlobalRefresh(t *testing.T) {
	store := storage.NewMemStore()
	store.SeedGlobal("a", "1")

	c, err := New(context.Background(), store, WithRefreshInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()

	store.SeedGlobal("b", "2")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		global, _, _, _ := c.SnapshotForContext(context.Background(), "", "")
		if len(global) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("global dictionary never picked up the new entry via periodic refresh")
}
