package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc mirrors os.LookupEnv; tests supply a fake to avoid touching the
// real process environment.
type LookupFunc func(key string) (string, bool)

// LoadFromEnv reads configuration from the process environment and returns a
// validated [Config]. It is a convenience wrapper around [LoadFromLookup]
// using [os.LookupEnv].
func LoadFromEnv() (*Config, error) {
	return LoadFromLookup(os.LookupEnv)
}

// LoadFromLookup builds a [Config] from an arbitrary key/value lookup
// function and validates the result. Useful in tests where the environment
// is constructed from a map literal.
func LoadFromLookup(lookup LookupFunc) (*Config, error) {
	cfg := &Config{
		VoiceConnectTimeout: 60 * time.Second,
		ShardCount:          1,
		HTTPPort:            "8080",
	}

	cfg.DiscordToken, _ = lookup("DISCORD_TOKEN")

	cfg.TTSEngineURLs = parseEngineURLs(lookup)

	cfg.DB = DBConfig{
		Host:     getOr(lookup, "DB_HOST", "localhost"),
		Port:     getOr(lookup, "DB_PORT", "5432"),
		Name:     getOr(lookup, "DB_NAME", ""),
		User:     getOr(lookup, "DB_USER", ""),
		Password: getOr(lookup, "DB_PASSWORD", ""),
		SSL:      getOr(lookup, "DB_SSL", "disable"),
	}

	if v, ok := lookup("DEBUG"); ok {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}

	cfg.Reconnect = true
	if v, ok := lookup("RECONNECT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: RECONNECT %q: %w", v, err)
		}
		cfg.Reconnect = b
	}

	if v, ok := lookup("VOICE_CONNECT_TIMEOUT"); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: VOICE_CONNECT_TIMEOUT %q: %w", v, err)
		}
		cfg.VoiceConnectTimeout = time.Duration(secs) * time.Second
	}

	cfg.AdminID, _ = lookup("ADMIN_ID")

	if v, ok := lookup("HIGH_LOAD_TIME"); ok && v != "" {
		win, err := parseHighLoadWindow(v)
		if err != nil {
			return nil, fmt.Errorf("config: HIGH_LOAD_TIME %q: %w", v, err)
		}
		win.SpeakerID = getOr(lookup, "HIGH_LOAD_SPEAKER", defaultSpeakerID)
		cfg.HighLoadWindow = win
	}

	if v, ok := lookup("SHARD_COUNT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: SHARD_COUNT %q: %w", v, err)
		}
		cfg.ShardCount = n
	}

	if v, ok := lookup("HTTP_PORT"); ok && v != "" {
		cfg.HTTPPort = v
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseEngineURLs(lookup LookupFunc) []string {
	v, ok := lookup("TTS_ENGINE_URL")
	if !ok || strings.TrimSpace(v) == "" {
		return []string{"http://localhost:50021"}
	}
	return splitURLList(v)
}

// splitURLList splits a comma-separated engine URL list, trimming whitespace
// and dropping empty entries.
func splitURLList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getOr(lookup LookupFunc, key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

// defaultSpeakerID is the forced speaker id applied during a high-load
// window when HIGH_LOAD_SPEAKER is unset.
const defaultSpeakerID = "1"

// parseHighLoadWindow parses "HH:MM-HH:MM" into a [HighLoadWindow] anchored
// to Asia/Tokyo. The caller fills in SpeakerID separately from
// HIGH_LOAD_SPEAKER.
func parseHighLoadWindow(v string) (HighLoadWindow, error) {
	start, end, ok := strings.Cut(v, "-")
	if !ok {
		return HighLoadWindow{}, fmt.Errorf("expected HH:MM-HH:MM")
	}
	startOffset, err := parseClock(start)
	if err != nil {
		return HighLoadWindow{}, fmt.Errorf("start: %w", err)
	}
	endOffset, err := parseClock(end)
	if err != nil {
		return HighLoadWindow{}, fmt.Errorf("end: %w", err)
	}

	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		slog.Warn("config: could not load Asia/Tokyo location, falling back to UTC", "err", err)
		loc = time.UTC
	}

	return HighLoadWindow{
		Enabled:  true,
		Start:    startOffset,
		End:      endOffset,
		Location: loc,
	}, nil
}

func parseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("hour %q out of range", hh)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("minute %q out of range", mm)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.DiscordToken == "" {
		errs = append(errs, fmt.Errorf("DISCORD_TOKEN must not be empty"))
	}

	if len(cfg.TTSEngineURLs) == 0 {
		errs = append(errs, fmt.Errorf("TTS_ENGINE_URL must resolve to at least one engine URL"))
	}
	for _, u := range cfg.TTSEngineURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Errorf("TTS_ENGINE_URL entry %q must start with http:// or https://", u))
		}
	}

	if cfg.DB.Name == "" {
		slog.Warn("DB_NAME is empty; persistence will fail to connect")
	}

	if cfg.VoiceConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("VOICE_CONNECT_TIMEOUT must be positive"))
	}

	if cfg.ShardCount <= 0 {
		errs = append(errs, fmt.Errorf("SHARD_COUNT must be positive"))
	}

	if cfg.HTTPPort == "" {
		errs = append(errs, fmt.Errorf("HTTP_PORT must not be empty"))
	}

	return errors.Join(errs...)
}
