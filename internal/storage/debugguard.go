package storage

import "context"

// DebugGuard wraps a [Store] and, when Enabled, silently drops writes to the
// tables spec.md §6 calls out as "used for metrics/state restore" — vc_state
// and server_stats — while passing every other call through unchanged. This
// backs the DEBUG=1 environment toggle: a developer running against a
// shared database during debugging shouldn't clobber its recovery state or
// pollute its guild-count time series.
//
// All other Store methods (dictionaries, banlist, voice prefs, guild speed,
// autojoin config) pass through untouched — DEBUG only affects the two
// tables spec.md names.
type DebugGuard struct {
	inner   Store
	Enabled bool
}

// Compile-time interface check.
var _ Store = (*DebugGuard)(nil)

// NewDebugGuard wraps inner with the DEBUG write-suppression policy.
func NewDebugGuard(inner Store, enabled bool) *DebugGuard {
	return &DebugGuard{inner: inner, Enabled: enabled}
}

func (d *DebugGuard) GlobalDictionary(ctx context.Context) ([]DictionaryEntry, error) {
	return d.inner.GlobalDictionary(ctx)
}

func (d *DebugGuard) GuildDictionary(ctx context.Context, guildID string) ([]DictionaryEntry, error) {
	return d.inner.GuildDictionary(ctx, guildID)
}

func (d *DebugGuard) UserDictionary(ctx context.Context, userID string) ([]DictionaryEntry, error) {
	return d.inner.UserDictionary(ctx, userID)
}

func (d *DebugGuard) BanList(ctx context.Context) ([]string, error) {
	return d.inner.BanList(ctx)
}

func (d *DebugGuard) AddBan(ctx context.Context, userID string) error {
	return d.inner.AddBan(ctx, userID)
}

func (d *DebugGuard) RemoveBan(ctx context.Context, userID string) error {
	return d.inner.RemoveBan(ctx, userID)
}

func (d *DebugGuard) UserVoicePref(ctx context.Context, userID string) (string, bool, error) {
	return d.inner.UserVoicePref(ctx, userID)
}

func (d *DebugGuard) SetUserVoicePref(ctx context.Context, userID, speakerID string) error {
	return d.inner.SetUserVoicePref(ctx, userID, speakerID)
}

func (d *DebugGuard) GuildSpeed(ctx context.Context, guildID string) (float64, bool, error) {
	return d.inner.GuildSpeed(ctx, guildID)
}

func (d *DebugGuard) SetGuildSpeed(ctx context.Context, guildID string, speed float64) error {
	return d.inner.SetGuildSpeed(ctx, guildID, speed)
}

func (d *DebugGuard) AutojoinConfigs(ctx context.Context) (map[string]AutojoinConfig, error) {
	return d.inner.AutojoinConfigs(ctx)
}

func (d *DebugGuard) VCStates(ctx context.Context) ([]PersistedVCState, error) {
	return d.inner.VCStates(ctx)
}

func (d *DebugGuard) UpsertVCState(ctx context.Context, state PersistedVCState) error {
	if d.Enabled {
		return nil
	}
	return d.inner.UpsertVCState(ctx, state)
}

func (d *DebugGuard) DeleteVCState(ctx context.Context, guildID string) error {
	if d.Enabled {
		return nil
	}
	return d.inner.DeleteVCState(ctx, guildID)
}

func (d *DebugGuard) RecordServerStats(ctx context.Context, guildCount int) error {
	if d.Enabled {
		return nil
	}
	return d.inner.RecordServerStats(ctx, guildCount)
}
