// Package ttsclient implements the TTS Client component from spec.md §4.1: a
// pool of VOICEVOX-compatible engine URLs, re-read on every call, with
// per-engine retry and cross-engine failover.
package ttsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/techfish-11/ttsrelay/internal/observe"
	"github.com/techfish-11/ttsrelay/internal/resilience"
	"github.com/techfish-11/ttsrelay/internal/wav"
)

// ErrEngineUnavailable is returned when every configured engine exhausts its
// retry attempts for a call.
var ErrEngineUnavailable = errors.New("ttsclient: no engine available")

const (
	attemptsPerEngine = 3
	retryDelay        = 300 * time.Millisecond
	defaultTimeout    = 30 * time.Second
)

// Speaker is one entry of a VOICEVOX-compatible /speakers response. Only the
// fields this system consumes (id + display name) are decoded; the upstream
// payload carries more (styles, version) that callers of listSpeakers don't
// need.
type Speaker struct {
	ID   string
	Name string
}

// speakerStyle and speakerEntry decode the nested /speakers JSON shape:
// [{"name": "...", "styles": [{"id": N, "name": "..."}]}, ...]. Each
// style id is a distinct selectable speakerId.
type speakerStyle struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

type speakerEntry struct {
	Name   string         `json:"name"`
	Styles []speakerStyle `json:"styles"`
}

// EngineURLs supplies the current set of engine base URLs, re-read on every
// call so operators can add/remove engines without restarting the process.
// [*config.Config] does not satisfy this directly; callers pass a closure
// such as `func() []string { return cfg.TTSEngineURLs }`.
type EngineURLs func() []string

// Client is the TTS Client. The zero value is not usable; construct with
// [New].
type Client struct {
	engineURLs EngineURLs
	httpClient *http.Client
	metrics    *observe.Metrics
	tmpDir     string

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client (30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMetrics attaches the metrics collaborator used to publish
// voice_generation_seconds_per_minute. Without this option, metric recording
// is skipped.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client. engineURLs is called on every synthesize/listSpeakers
// invocation; tmpDir is the project-root directory under which
// [Client.SynthesizeToFile] places WAV files (created if absent).
func New(engineURLs EngineURLs, tmpDir string, opts ...Option) *Client {
	c := &Client{
		engineURLs: engineURLs,
		httpClient: &http.Client{Timeout: defaultTimeout},
		tmpDir:     tmpDir,
		breakers:   make(map[string]*resilience.CircuitBreaker),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// audioQuery is the JSON object returned by POST /audio_query and resent
// (with an optional speedScale override) to POST /synthesis.
type audioQuery map[string]any

// Synthesize performs the two-step VOICEVOX synthesis exchange against a
// randomly selected, failover-capable engine and returns the engine URL that
// served the request, the WAV bytes, and the audio's duration in seconds.
// speed <= 0 leaves the engine's default speedScale untouched.
func (c *Client) Synthesize(ctx context.Context, text, speakerID string, speed float64) (usedEngineURL string, wavBytes []byte, durationSeconds float64, err error) {
	start := time.Now()
	engines := c.shuffledEngines()
	if len(engines) == 0 {
		return "", nil, 0, ErrEngineUnavailable
	}

	var lastErr error
	for _, base := range engines {
		breaker := c.breakerFor(base)
		cbErr := breaker.Execute(func() error {
			var innerErr error
			wavBytes, innerErr = c.synthesizeOnEngine(ctx, base, text, speakerID, speed)
			return innerErr
		})
		if cbErr == nil {
			usedEngineURL = base
			break
		}
		lastErr = cbErr
		if errors.Is(cbErr, resilience.ErrCircuitOpen) {
			slog.Warn("ttsclient: engine circuit open, advancing", "engine", base)
			continue
		}
		slog.Warn("ttsclient: engine exhausted, advancing", "engine", base, "err", cbErr)
	}
	if usedEngineURL == "" {
		return "", nil, 0, fmt.Errorf("%w: %v", ErrEngineUnavailable, lastErr)
	}

	f, perr := wav.Parse(wavBytes)
	if perr == nil {
		durationSeconds = f.Duration()
	}
	if c.metrics != nil && perr == nil {
		c.metrics.RecordVoiceGenerationSecondsPerMinute(ctx, time.Since(start).Seconds(), durationSeconds)
	}
	return usedEngineURL, wavBytes, durationSeconds, nil
}

// synthesizeOnEngine performs up to [attemptsPerEngine] attempts of the full
// audio_query+synthesis exchange against one engine base URL. A 5xx response
// or transport error is retried after [retryDelay]; any other failure (4xx,
// bad body) is not retried within the engine.
func (c *Client) synthesizeOnEngine(ctx context.Context, base, text, speakerID string, speed float64) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < attemptsPerEngine; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		query, err := c.audioQuery(ctx, base, text, speakerID)
		if err != nil {
			if !isRetryable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if speed > 0 {
			query["speedScale"] = speed
		}

		wavBytes, err := c.synthesis(ctx, base, speakerID, query)
		if err != nil {
			if !isRetryable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		return wavBytes, nil
	}
	return nil, lastErr
}

// transportOrServerError wraps a non-2xx status or transport failure so
// isRetryable can recognize it regardless of where it originated.
type transportOrServerError struct {
	status int
	err    error
}

func (e *transportOrServerError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("ttsclient: unexpected status %d", e.status)
}

func isRetryable(err error) bool {
	var tse *transportOrServerError
	if errors.As(err, &tse) {
		return tse.status == 0 || tse.status >= 500
	}
	return false
}

func (c *Client) audioQuery(ctx context.Context, base, text, speakerID string) (audioQuery, error) {
	q := url.Values{}
	q.Set("text", text)
	q.Set("speaker", speakerID)
	reqURL := base + "/audio_query?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ttsclient: build audio_query request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportOrServerError{err: fmt.Errorf("ttsclient: POST /audio_query: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &transportOrServerError{status: resp.StatusCode,
			err: fmt.Errorf("ttsclient: /audio_query returned status %d", resp.StatusCode)}
	}

	var out audioQuery
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ttsclient: decode audio_query response: %w", err)
	}
	return out, nil
}

func (c *Client) synthesis(ctx context.Context, base, speakerID string, query audioQuery) ([]byte, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("ttsclient: marshal synthesis body: %w", err)
	}

	q := url.Values{}
	q.Set("speaker", speakerID)
	reqURL := base + "/synthesis?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ttsclient: build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportOrServerError{err: fmt.Errorf("ttsclient: POST /synthesis: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &transportOrServerError{status: resp.StatusCode,
			err: fmt.Errorf("ttsclient: /synthesis returned status %d", resp.StatusCode)}
	}

	wavBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ttsclient: read synthesis response: %w", err)
	}
	return wavBytes, nil
}

// SynthesizeToFile synthesizes text and writes the result under the client's
// tmp directory (created if absent), named tmp_<uuid>_<purpose>.wav. The
// caller owns the returned path and is responsible for deleting it after
// playback.
func (c *Client) SynthesizeToFile(ctx context.Context, text, speakerID string, speed float64, purpose string) (path string, err error) {
	_, wavBytes, _, err := c.Synthesize(ctx, text, speakerID, speed)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(c.tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("ttsclient: create tmp dir: %w", err)
	}

	name := fmt.Sprintf("tmp_%s_%s.wav", uuid.NewString(), purpose)
	path = filepath.Join(c.tmpDir, name)
	if err := os.WriteFile(path, wavBytes, 0o644); err != nil {
		return "", fmt.Errorf("ttsclient: write %s: %w", path, err)
	}
	return path, nil
}

// ListSpeakers queries the current engine pool's /speakers endpoint, using
// the same random-engine-then-failover selection as Synthesize.
func (c *Client) ListSpeakers(ctx context.Context) ([]Speaker, error) {
	engines := c.shuffledEngines()
	if len(engines) == 0 {
		return nil, ErrEngineUnavailable
	}

	var lastErr error
	for _, base := range engines {
		var speakers []Speaker
		breaker := c.breakerFor(base)
		cbErr := breaker.Execute(func() error {
			var innerErr error
			speakers, innerErr = c.listSpeakersOnEngine(ctx, base)
			return innerErr
		})
		if cbErr == nil {
			return speakers, nil
		}
		lastErr = cbErr
	}
	return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, lastErr)
}

// breakerFor returns the per-engine circuit breaker for base, creating one on
// first use. Tripping after consecutive failures lets shuffledEngines'
// failover skip a known-bad engine immediately instead of re-running its
// full retry budget on every call.
func (c *Client) breakerFor(base string) *resilience.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	b, ok := c.breakers[base]
	if !ok {
		b = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: base})
		c.breakers[base] = b
	}
	return b
}

func (c *Client) listSpeakersOnEngine(ctx context.Context, base string) ([]Speaker, error) {
	var lastErr error
	for attempt := 0; attempt < attemptsPerEngine; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		speakers, err := c.fetchSpeakers(ctx, base)
		if err == nil {
			return speakers, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// fetchSpeakers performs a single GET /speakers call and flattens the
// name+styles tree into one Speaker per selectable style id.
func (c *Client) fetchSpeakers(ctx context.Context, base string) ([]Speaker, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/speakers", nil)
	if err != nil {
		return nil, fmt.Errorf("ttsclient: build /speakers request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportOrServerError{err: fmt.Errorf("ttsclient: GET /speakers: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &transportOrServerError{status: resp.StatusCode,
			err: fmt.Errorf("ttsclient: /speakers returned status %d", resp.StatusCode)}
	}

	var entries []speakerEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("ttsclient: decode /speakers response: %w", err)
	}

	var out []Speaker
	for _, e := range entries {
		for _, s := range e.Styles {
			out = append(out, Speaker{ID: s.ID.String(), Name: e.Name + ":" + s.Name})
		}
	}
	return out, nil
}

func (c *Client) shuffledEngines() []string {
	urls := c.engineURLs()
	if len(urls) == 0 {
		return nil
	}
	shuffled := make([]string, len(urls))
	copy(shuffled, urls)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled
}
