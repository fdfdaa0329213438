package router

import (
	"context"
	"sync"

	"github.com/techfish-11/ttsrelay/internal/storage"
)

// BanSet is the in-memory cache of banned user ids described in spec.md §3
// (BanSet): membership causes the Event Router to drop a user's text.
// Storage is the source of truth; the set is mutated explicitly by the
// control surface (add/remove) rather than re-read on every lookup, per
// spec.md §9 ("the core exposes only the ban-set invalidation ... used by
// the pipeline").
//
// BanSet is safe for concurrent use.
type BanSet struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

// NewBanSet creates an empty BanSet. Call [BanSet.Load] to populate it from
// storage at startup.
func NewBanSet() *BanSet {
	return &BanSet{members: make(map[string]struct{})}
}

// Load replaces the set's contents with the current banlist from store.
func (b *BanSet) Load(ctx context.Context, store storage.Store) error {
	ids, err := store.BanList(ctx)
	if err != nil {
		return err
	}
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	b.mu.Lock()
	b.members = members
	b.mu.Unlock()
	return nil
}

// Add inserts userID into the set, for use by the control surface after a
// successful storage write.
func (b *BanSet) Add(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[userID] = struct{}{}
}

// Remove deletes userID from the set. Not an error if absent.
func (b *BanSet) Remove(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, userID)
}

// Contains reports whether userID is currently banned.
func (b *BanSet) Contains(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.members[userID]
	return ok
}
