package storage

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory [Store] used by tests for every
// package that depends on storage (dictionary cache, session manager, event
// router) instead of standing up a PostgreSQL instance. The zero value is
// ready to use.
type MemStore struct {
	mu sync.RWMutex

	// Dictionary entries are kept as insertion-ordered slices, not maps:
	// spec.md §4.2 requires a deterministic left-to-right substitution scan
	// in storage order, which a map iteration cannot provide.
	global []DictionaryEntry
	guild  map[string][]DictionaryEntry
	user   map[string][]DictionaryEntry

	banned map[string]struct{}

	voicePrefs map[string]string
	speeds     map[string]float64

	autojoin map[string]AutojoinConfig
	vcState  map[string]PersistedVCState

	stats []ServerStat
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		guild:      make(map[string][]DictionaryEntry),
		user:       make(map[string][]DictionaryEntry),
		banned:     make(map[string]struct{}),
		voicePrefs: make(map[string]string),
		speeds:     make(map[string]float64),
		autojoin:   make(map[string]AutojoinConfig),
		vcState:    make(map[string]PersistedVCState),
	}
}

// SeedGlobal appends a global dictionary entry, or replaces the value of an
// existing entry with the same key in place (preserving its position). For
// use by tests setting up fixture data.
func (s *MemStore) SeedGlobal(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = upsertEntry(s.global, DictionaryEntry{Scope: ScopeGlobal, Key: key, Value: value})
}

// SeedGuild appends (or replaces in place) a guild dictionary entry.
func (s *MemStore) SeedGuild(guildID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guild[guildID] = upsertEntry(s.guild[guildID],
		DictionaryEntry{Scope: ScopeGuild, OwnerKey: guildID, Key: key, Value: value})
}

// SeedUser appends (or replaces in place) a user dictionary entry.
func (s *MemStore) SeedUser(userID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user[userID] = upsertEntry(s.user[userID],
		DictionaryEntry{Scope: ScopeUser, OwnerKey: userID, Key: key, Value: value})
}

func upsertEntry(entries []DictionaryEntry, next DictionaryEntry) []DictionaryEntry {
	for i, e := range entries {
		if e.Key == next.Key {
			entries[i] = next
			return entries
		}
	}
	return append(entries, next)
}

func (s *MemStore) GlobalDictionary(context.Context) ([]DictionaryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntries(s.global), nil
}

func (s *MemStore) GuildDictionary(_ context.Context, guildID string) ([]DictionaryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntries(s.guild[guildID]), nil
}

func (s *MemStore) UserDictionary(_ context.Context, userID string) ([]DictionaryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntries(s.user[userID]), nil
}

func (s *MemStore) BanList(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.banned))
	for id := range s.banned {
		out = append(out, id)
	}
	return out, nil
}

func (s *MemStore) AddBan(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banned[userID] = struct{}{}
	return nil
}

func (s *MemStore) RemoveBan(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.banned, userID)
	return nil
}

func (s *MemStore) UserVoicePref(_ context.Context, userID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.voicePrefs[userID]
	return v, ok, nil
}

func (s *MemStore) SetUserVoicePref(_ context.Context, userID, speakerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voicePrefs[userID] = speakerID
	return nil
}

func (s *MemStore) GuildSpeed(_ context.Context, guildID string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.speeds[guildID]
	return v, ok, nil
}

func (s *MemStore) SetGuildSpeed(_ context.Context, guildID string, speed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speeds[guildID] = speed
	return nil
}

func (s *MemStore) AutojoinConfigs(context.Context) (map[string]AutojoinConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]AutojoinConfig, len(s.autojoin))
	for k, v := range s.autojoin {
		out[k] = v
	}
	return out, nil
}

// SeedAutojoin installs an autojoin policy for tests.
func (s *MemStore) SeedAutojoin(cfg AutojoinConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autojoin[cfg.GuildID] = cfg
}

func (s *MemStore) VCStates(context.Context) ([]PersistedVCState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PersistedVCState, 0, len(s.vcState))
	for _, v := range s.vcState {
		out = append(out, v)
	}
	return out, nil
}

func (s *MemStore) UpsertVCState(_ context.Context, state PersistedVCState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vcState[state.GuildID] = state
	return nil
}

func (s *MemStore) DeleteVCState(_ context.Context, guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vcState, guildID)
	return nil
}

func (s *MemStore) RecordServerStats(_ context.Context, guildCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, ServerStat{ID: int64(len(s.stats) + 1), GuildCount: guildCount})
	return nil
}

// Stats returns a snapshot of recorded server_stats rows, for test assertions.
func (s *MemStore) Stats() []ServerStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServerStat, len(s.stats))
	copy(out, s.stats)
	return out
}

func cloneEntries(entries []DictionaryEntry) []DictionaryEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]DictionaryEntry, len(entries))
	copy(out, entries)
	return out
}
