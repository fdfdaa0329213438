package normalizer

import (
	"context"
	"strings"
	"testing"

	"github.com/techfish-11/ttsrelay/internal/storage"
)

func newTestNormalizer(store *storage.MemStore) *Normalizer {
	c, err := dictionaryCacheForTest(store)
	if err != nil {
		panic(err)
	}
	return New(c)
}

func TestNormalize_UserMention(t *testing.T) {
	store := storage.NewMemStore()
	n := newTestNormalizer(store)

	nc := Context{
		ResolveUser: func(id string) (string, bool) {
			if id == "42" {
				return "Alice", true
			}
			return "", false
		},
	}

	got, err := n.Normalize(context.Background(), "hi <@42> and <@!99>", nc)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := "hi あっとAlice and <@!99>"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalize_RoleMention(t *testing.T) {
	store := storage.NewMemStore()
	n := newTestNormalizer(store)

	nc := Context{
		ResolveRole: func(id string) (string, bool) {
			return "Admins", id == "7"
		},
	}
	got, err := n.Normalize(context.Background(), "ping <@&7>", nc)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "ping ろーる:Admins" {
		t.Errorf("got %q", got)
	}
}

func TestNormalize_CustomEmoji(t *testing.T) {
	store := storage.NewMemStore()
	n := newTestNormalizer(store)

	got, err := n.Normalize(context.Background(), "nice <:pog:123456789012345678>", Context{})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "nice えもじ:pog" {
		t.Errorf("got %q", got)
	}
}

func TestNormalize_URL(t *testing.T) {
	store := storage.NewMemStore()
	n := newTestNormalizer(store)

	got, err := n.Normalize(context.Background(), "https://x.test/a?b=1 ok", Context{})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "リンク省略 ok" {
		t.Errorf("got %q", got)
	}
}

// TestNormalize_ScopeOrder verifies P4: dictionaries apply strictly
// global -> guild -> user, so a guild substitution's output can be rewritten
// by a user-scope entry.
func TestNormalize_ScopeOrder(t *testing.T) {
	store := storage.NewMemStore()
	store.SeedGuild("g1", "cat", "ねこ")
	store.SeedUser("u1", "ねこ", "CAT")
	n := newTestNormalizer(store)

	got, err := n.Normalize(context.Background(), "cat", Context{GuildID: "g1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "CAT" {
		t.Errorf("got %q, want CAT", got)
	}
}

func TestNormalize_Truncation(t *testing.T) {
	store := storage.NewMemStore()
	n := newTestNormalizer(store)

	long := strings.Repeat("a", 100)
	got, err := n.Normalize(context.Background(), long, Context{})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len([]rune(got)) != defaultMaxLength+len([]rune(truncationMarker)) {
		t.Errorf("unexpected truncated length: %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("expected truncation marker suffix, got %q", got)
	}
}

func TestNormalize_TruncationOverride(t *testing.T) {
	store := storage.NewMemStore()
	n := newTestNormalizer(store)

	long := strings.Repeat("a", 200)
	got, err := n.Normalize(context.Background(), long, Context{MaxLength: 150})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len([]rune(got)) != 150+len([]rune(truncationMarker)) {
		t.Errorf("unexpected truncated length: %d", len([]rune(got)))
	}
}

// TestNormalize_Idempotent checks P3: re-normalizing an already-normalized
// (but not truncated) string is a fixed point.
func TestNormalize_Idempotent(t *testing.T) {
	store := storage.NewMemStore()
	store.SeedGlobal("cat", "ねこ")
	n := newTestNormalizer(store)

	once, err := n.Normalize(context.Background(), "cat", Context{})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	twice, err := n.Normalize(context.Background(), once, Context{})
	if err != nil {
		t.Fatalf("Normalize (2nd): %v", err)
	}
	if once != twice {
		t.Errorf("normalize not idempotent: %q vs %q", once, twice)
	}
}
