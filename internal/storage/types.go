// Package storage defines the persistence contract for ttsrelay (the tables
// named in spec.md §6) and a PostgreSQL-backed implementation on top of
// pgx/v5 and pgxpool.
package storage

import "time"

// DictionaryScope identifies which of the three substitution tiers an entry
// belongs to.
type DictionaryScope int

const (
	ScopeGlobal DictionaryScope = iota
	ScopeGuild
	ScopeUser
)

// String returns the human-readable scope name, used in log fields.
func (s DictionaryScope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeGuild:
		return "guild"
	case ScopeUser:
		return "user"
	default:
		return "unknown"
	}
}

// DictionaryEntry is one substitution rule. OwnerKey is empty for global
// entries, a guild id for guild entries, and a user id for user entries.
type DictionaryEntry struct {
	Scope    DictionaryScope
	OwnerKey string
	Key      string
	Value    string
	AuthorID string
}

// PersistedVCState mirrors the subset of a GuildSession needed to recover
// after a restart (the vc_state table).
type PersistedVCState struct {
	GuildID      string
	ChannelID    string
	TTSChannelID string
}

// AutojoinConfig is the per-guild policy that causes the session manager to
// connect automatically when a member arrives in a designated voice room.
type AutojoinConfig struct {
	GuildID      string
	VCChannelID  string
	TTSChannelID string
}

// ServerStat is one sample row in the server_stats table, pruned to the last
// 24 hours on every insert.
type ServerStat struct {
	ID         int64
	Timestamp  time.Time
	GuildCount int
}
