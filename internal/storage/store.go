package storage

import "context"

// Store is the persistence contract consumed by the Dictionary Cache,
// Session Manager, and Event Router. Implementations must be safe for
// concurrent use — the pool is shared across every guild's goroutines
// (spec.md §5: "connection pool of 1-10").
//
// The core pipeline only ever reads dictionaries and the ban set and writes
// session/voice-preference/stats state; dictionary and ban *authorship* is a
// control-plane concern (spec.md §9), so this interface has no
// CreateDictionaryEntry method even though the schema supports one.
type Store interface {
	// GlobalDictionary returns every global-scope entry, in storage order.
	GlobalDictionary(ctx context.Context) ([]DictionaryEntry, error)

	// GuildDictionary returns every entry scoped to guildID, in storage order.
	GuildDictionary(ctx context.Context, guildID string) ([]DictionaryEntry, error)

	// UserDictionary returns every entry scoped to userID, in storage order.
	UserDictionary(ctx context.Context, userID string) ([]DictionaryEntry, error)

	// BanList returns the full set of banned user ids.
	BanList(ctx context.Context) ([]string, error)

	// AddBan inserts userID into the banlist. Idempotent.
	AddBan(ctx context.Context, userID string) error

	// RemoveBan removes userID from the banlist. Not an error if absent.
	RemoveBan(ctx context.Context, userID string) error

	// UserVoicePref returns the persisted speaker id for userID. ok is false
	// if the user has no stored preference.
	UserVoicePref(ctx context.Context, userID string) (speakerID string, ok bool, err error)

	// SetUserVoicePref upserts the persisted speaker id for userID.
	SetUserVoicePref(ctx context.Context, userID, speakerID string) error

	// GuildSpeed returns the per-guild playback speed multiplier. ok is
	// false if the guild has no stored override (callers should apply the
	// 1.0 default).
	GuildSpeed(ctx context.Context, guildID string) (speed float64, ok bool, err error)

	// SetGuildSpeed upserts the per-guild playback speed multiplier.
	SetGuildSpeed(ctx context.Context, guildID string, speed float64) error

	// AutojoinConfigs returns every configured autojoin policy, keyed by
	// guild id.
	AutojoinConfigs(ctx context.Context) (map[string]AutojoinConfig, error)

	// VCStates returns every persisted voice-session row.
	VCStates(ctx context.Context) ([]PersistedVCState, error)

	// UpsertVCState writes (or replaces) the persisted voice-session row for
	// state.GuildID.
	UpsertVCState(ctx context.Context, state PersistedVCState) error

	// DeleteVCState removes the persisted voice-session row for guildID. Not
	// an error if absent.
	DeleteVCState(ctx context.Context, guildID string) error

	// RecordServerStats inserts a guild-count sample and prunes rows older
	// than 24 hours.
	RecordServerStats(ctx context.Context, guildCount int) error
}
