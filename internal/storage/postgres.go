package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool used by [PostgresStore]. Narrowing to an
// interface lets tests exercise query construction and row scanning against
// hand-rolled fakes instead of a live database.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is a [Store] backed by PostgreSQL via pgx/v5.
//
// All methods are safe for concurrent use; pgxpool.Pool itself pools and
// synchronises connections.
type PostgresStore struct {
	db DB
}

// NewPostgresStore wraps an existing DB connection or pool. Call [Migrate]
// once before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect parses dsn, opens a pooled connection (min 1, max 10 per spec.md
// §5), pings it, and migrates the schema. The caller owns the returned
// pool's lifetime and must call pool.Close() during shutdown.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, *PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	cfg.MinConns = 1
	cfg.MaxConns = 10
	// AfterConnect is an extension point mirroring the donor's pgvector type
	// registration hook; ttsrelay has no custom column types to register.
	cfg.AfterConnect = func(context.Context, *pgx.Conn) error { return nil }

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("storage: ping: %w", err)
	}

	store := NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return pool, store, nil
}

// Migrate applies [Schema] and the legacy speaker-id column migration.
// Idempotent — safe to call on every process startup.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("storage: migrate schema: %w", err)
	}
	if _, err := s.db.Exec(ctx, legacySpeakerIDMigration); err != nil {
		return fmt.Errorf("storage: migrate legacy speaker id column: %w", err)
	}
	return nil
}

func (s *PostgresStore) GlobalDictionary(ctx context.Context) ([]DictionaryEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT key, value FROM global_dictionary`)
	if err != nil {
		return nil, fmt.Errorf("storage: global dictionary: %w", err)
	}
	defer rows.Close()

	var out []DictionaryEntry
	for rows.Next() {
		var e DictionaryEntry
		e.Scope = ScopeGlobal
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("storage: scan global dictionary row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GuildDictionary(ctx context.Context, guildID string) ([]DictionaryEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key, value, author_id FROM guild_dictionary WHERE guild_id = $1`, guildID)
	if err != nil {
		return nil, fmt.Errorf("storage: guild dictionary %q: %w", guildID, err)
	}
	defer rows.Close()

	var out []DictionaryEntry
	for rows.Next() {
		e := DictionaryEntry{Scope: ScopeGuild, OwnerKey: guildID}
		if err := rows.Scan(&e.Key, &e.Value, &e.AuthorID); err != nil {
			return nil, fmt.Errorf("storage: scan guild dictionary row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UserDictionary(ctx context.Context, userID string) ([]DictionaryEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key, value FROM user_dictionary WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: user dictionary %q: %w", userID, err)
	}
	defer rows.Close()

	var out []DictionaryEntry
	for rows.Next() {
		e := DictionaryEntry{Scope: ScopeUser, OwnerKey: userID}
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("storage: scan user dictionary row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BanList(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id FROM banlist`)
	if err != nil {
		return nil, fmt.Errorf("storage: banlist: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan banlist row: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddBan(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO banlist (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("storage: add ban %q: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) RemoveBan(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM banlist WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("storage: remove ban %q: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) UserVoicePref(ctx context.Context, userID string) (string, bool, error) {
	var speakerID string
	err := s.db.QueryRow(ctx,
		`SELECT speaker_id FROM user_voice WHERE user_id = $1`, userID).Scan(&speakerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: user voice pref %q: %w", userID, err)
	}
	return speakerID, true, nil
}

func (s *PostgresStore) SetUserVoicePref(ctx context.Context, userID, speakerID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_voice (user_id, speaker_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET speaker_id = EXCLUDED.speaker_id`,
		userID, speakerID)
	if err != nil {
		return fmt.Errorf("storage: set user voice pref %q: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) GuildSpeed(ctx context.Context, guildID string) (float64, bool, error) {
	var speed float64
	err := s.db.QueryRow(ctx,
		`SELECT speed FROM server_voice_speed WHERE guild_id = $1`, guildID).Scan(&speed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: guild speed %q: %w", guildID, err)
	}
	return speed, true, nil
}

func (s *PostgresStore) SetGuildSpeed(ctx context.Context, guildID string, speed float64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO server_voice_speed (guild_id, speed) VALUES ($1, $2)
		ON CONFLICT (guild_id) DO UPDATE SET speed = EXCLUDED.speed`,
		guildID, speed)
	if err != nil {
		return fmt.Errorf("storage: set guild speed %q: %w", guildID, err)
	}
	return nil
}

func (s *PostgresStore) AutojoinConfigs(ctx context.Context) (map[string]AutojoinConfig, error) {
	rows, err := s.db.Query(ctx, `SELECT guild_id, vc_channel_id, tts_channel_id FROM autojoin_config`)
	if err != nil {
		return nil, fmt.Errorf("storage: autojoin configs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]AutojoinConfig)
	for rows.Next() {
		var c AutojoinConfig
		if err := rows.Scan(&c.GuildID, &c.VCChannelID, &c.TTSChannelID); err != nil {
			return nil, fmt.Errorf("storage: scan autojoin config row: %w", err)
		}
		out[c.GuildID] = c
	}
	return out, rows.Err()
}

func (s *PostgresStore) VCStates(ctx context.Context) ([]PersistedVCState, error) {
	rows, err := s.db.Query(ctx, `SELECT guild_id, channel_id, tts_channel_id FROM vc_state`)
	if err != nil {
		return nil, fmt.Errorf("storage: vc states: %w", err)
	}
	defer rows.Close()

	var out []PersistedVCState
	for rows.Next() {
		var st PersistedVCState
		if err := rows.Scan(&st.GuildID, &st.ChannelID, &st.TTSChannelID); err != nil {
			return nil, fmt.Errorf("storage: scan vc state row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertVCState(ctx context.Context, state PersistedVCState) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO vc_state (guild_id, channel_id, tts_channel_id) VALUES ($1, $2, $3)
		ON CONFLICT (guild_id) DO UPDATE SET channel_id = EXCLUDED.channel_id, tts_channel_id = EXCLUDED.tts_channel_id`,
		state.GuildID, state.ChannelID, state.TTSChannelID)
	if err != nil {
		return fmt.Errorf("storage: upsert vc state %q: %w", state.GuildID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteVCState(ctx context.Context, guildID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM vc_state WHERE guild_id = $1`, guildID)
	if err != nil {
		return fmt.Errorf("storage: delete vc state %q: %w", guildID, err)
	}
	return nil
}

// RecordServerStats inserts a sample and prunes rows older than 24 hours, per
// spec.md §6 ("rows older than 1 day pruned on each insert").
func (s *PostgresStore) RecordServerStats(ctx context.Context, guildCount int) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO server_stats (guild_count) VALUES ($1)`, guildCount); err != nil {
		return fmt.Errorf("storage: record server stats: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`DELETE FROM server_stats WHERE ts < now() - interval '1 day'`); err != nil {
		return fmt.Errorf("storage: prune server stats: %w", err)
	}
	return nil
}
