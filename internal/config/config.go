// Package config provides the configuration schema, environment loader, and
// hot-reload watcher for the ttsrelay server.
package config

import "time"

// Config is the root configuration for ttsrelay. It is loaded from the
// process environment using [LoadFromEnv].
type Config struct {
	// DiscordToken authenticates the gateway session (DISCORD_TOKEN).
	DiscordToken string

	// TTSEngineURLs is the current list of VOICEVOX-compatible engine base
	// URLs, parsed from TTS_ENGINE_URL (comma-separated). Re-read on every
	// synthesis call by the TTS client, so this field is also the value
	// refreshed by [Watcher].
	TTSEngineURLs []string

	DB DBConfig

	// Debug, when true, suppresses writes to persistence tables used for
	// metrics/state restore (DEBUG=1).
	Debug bool

	// Reconnect, when false, skips startup VC recovery (RECONNECT=false).
	Reconnect bool

	// VoiceConnectTimeout bounds a single voice-connect attempt.
	VoiceConnectTimeout time.Duration

	// AdminID is the platform user id permitted to run admin commands.
	AdminID string

	// HighLoadWindow is the optional daily speaker-override window.
	HighLoadWindow HighLoadWindow

	// ShardCount is the number of gateway shards this process expects;
	// used only to bucket metrics.
	ShardCount int

	// HTTPPort is the control-plane listen port.
	HTTPPort string
}

// DBConfig holds PostgreSQL connection parameters.
type DBConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSL      string
}

// HighLoadWindow is a daily HH:MM-HH:MM window, optionally wrapping across
// midnight, in which the Session Manager forces a fixed speaker id.
type HighLoadWindow struct {
	// Enabled is false when HIGH_LOAD_TIME was unset or empty.
	Enabled bool

	Start time.Duration // offset from local midnight
	End   time.Duration // offset from local midnight

	// Location is the timezone the window is evaluated in. Defaults to
	// Asia/Tokyo.
	Location *time.Location

	// SpeakerID is the forced speaker id while inside the window.
	SpeakerID string
}

// Contains reports whether t (interpreted in w.Location) falls inside the
// window, honoring wrap-around across midnight.
func (w HighLoadWindow) Contains(t time.Time) bool {
	if !w.Enabled {
		return false
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	offset := local.Sub(midnight)

	if w.Start <= w.End {
		return offset >= w.Start && offset < w.End
	}
	// Wraps across midnight: e.g. 22:00-03:00.
	return offset >= w.Start || offset < w.End
}
