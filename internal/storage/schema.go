package storage

// Schema is the DDL for every table named in spec.md §6, applied by
// [PostgresStore.Migrate] with IF NOT EXISTS so it is safe to run on every
// startup. Column shapes mirror the spec's schema description exactly: the
// three dictionary tables share (key, value) but differ in owner column and
// primary key, vc_state and autojoin_config key on guildId, and server_stats
// is an append-only log pruned on insert.
const Schema = `
CREATE TABLE IF NOT EXISTS global_dictionary (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS guild_dictionary (
    guild_id  TEXT NOT NULL,
    key       TEXT NOT NULL,
    value     TEXT NOT NULL,
    author_id TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (guild_id, key)
);

CREATE TABLE IF NOT EXISTS user_dictionary (
    user_id TEXT NOT NULL,
    key     TEXT NOT NULL,
    value   TEXT NOT NULL,
    PRIMARY KEY (user_id, key)
);

CREATE TABLE IF NOT EXISTS banlist (
    user_id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS vc_state (
    guild_id       TEXT PRIMARY KEY,
    channel_id     TEXT NOT NULL,
    tts_channel_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_voice (
    user_id    TEXT PRIMARY KEY,
    speaker_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS server_voice_speed (
    guild_id TEXT PRIMARY KEY,
    speed    DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS autojoin_config (
    guild_id        TEXT PRIMARY KEY,
    vc_channel_id   TEXT NOT NULL,
    tts_channel_id  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS server_stats (
    id          BIGSERIAL PRIMARY KEY,
    ts          TIMESTAMPTZ NOT NULL DEFAULT now(),
    guild_count INT NOT NULL
);
`

// legacySpeakerIDMigration converts a pre-existing integer user_voice.speaker_id
// column to text in place, per spec.md §6 ("Any legacy integer speakerId
// column must be migrated to text in place"). It is a no-op if the column is
// already text or the table does not yet exist (the preceding [Schema] run
// always creates it as text for fresh installs).
const legacySpeakerIDMigration = `
DO $$
BEGIN
    IF EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'user_voice'
          AND column_name = 'speaker_id'
          AND data_type <> 'text'
    ) THEN
        ALTER TABLE user_voice ALTER COLUMN speaker_id TYPE TEXT USING speaker_id::text;
    END IF;
END $$;
`
