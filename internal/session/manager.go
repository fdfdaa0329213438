// Package session implements the Session Manager component from spec.md
// §4.6: per-guild voice session lifecycle (join/leave/reconnect/autojoin),
// the connect helper with backoff and the 4006 special case, periodic
// reconciliation against persisted state, and the high-load speaker
// override.
//
// The single choke point for voice-handle lifecycle is [Manager.connectVoice];
// any other path that calls a [voice.Platform]'s Connect directly is a bug.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/techfish-11/ttsrelay/internal/config"
	"github.com/techfish-11/ttsrelay/internal/normalizer"
	"github.com/techfish-11/ttsrelay/internal/observe"
	"github.com/techfish-11/ttsrelay/internal/playback"
	"github.com/techfish-11/ttsrelay/internal/queue"
	"github.com/techfish-11/ttsrelay/internal/storage"
	"github.com/techfish-11/ttsrelay/internal/ttsclient"
	"github.com/techfish-11/ttsrelay/pkg/voice"
	"github.com/techfish-11/ttsrelay/pkg/voice/discord"
)

const (
	defaultConnectTimeout = 60 * time.Second
	maxConnectAttempts    = 3
	defaultSpeakerID      = "1"
	defaultSyncInterval   = 10 * time.Minute
)

// connectBackoff[n-1] is the delay before retry n after a non-4006 connect
// failure. With maxConnectAttempts = 3 there are two retries, so only the
// 1s and 2s entries are used.
var connectBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// guildSession is the live state for one connected guild. Mutated only by
// the owning Manager, under m.mu for map membership and its own fields
// otherwise (each guildSession is replaced wholesale on reconnect rather
// than mutated in place, so no internal lock is needed).
type guildSession struct {
	guildID        string
	voiceChannelID string
	ttsChannelID   string
	conn           voice.Connection
	worker         *playback.Worker
	cancel         context.CancelFunc
}

// NotifyFunc posts a text notification to a guild's bound TTS channel. The
// Discord gateway wrapper supplies this; the session manager has no
// knowledge of how notifications are actually delivered.
type NotifyFunc func(ctx context.Context, guildID, ttsChannelID, message string)

// ResolveFunc maps a mention id to a display string within a guild's scope,
// mirroring [normalizer.Context.ResolveUser]/ResolveRole.
type ResolveFunc func(guildID, id string) (name string, ok bool)

// Config supplies a Manager's collaborators.
type Config struct {
	Queue      *queue.Manager
	Normalizer *normalizer.Normalizer
	TTS        *ttsclient.Client
	Store      storage.Store
	Metrics    *observe.Metrics

	Shard          int
	ConnectTimeout time.Duration
	HighLoadWindow config.HighLoadWindow

	// DefaultSpeakerID is used for system announcements and as the fallback
	// when a user has no stored voice preference. Defaults to "1".
	DefaultSpeakerID string

	// PlatformFor returns the [voice.Platform] collaborator for a guild. The
	// Discord gateway wrapper constructs one per guild since a
	// discordgo-backed Platform is scoped to a single guild id.
	PlatformFor func(guildID string) voice.Platform

	ResolveUser ResolveFunc
	ResolveRole ResolveFunc
	Notify      NotifyFunc
}

// Manager owns every active [guildSession] and is the only component
// permitted to call a [voice.Platform]'s Connect method.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu           sync.Mutex
	sessions     map[string]*guildSession
	connectLocks map[string]*sync.Mutex

	queue      *queue.Manager
	normalizer *normalizer.Normalizer
	tts        *ttsclient.Client
	store      storage.Store
	metrics    *observe.Metrics

	shard          int
	connectTimeout time.Duration
	highLoadWindow config.HighLoadWindow
	defaultSpeaker string

	platformFor func(guildID string) voice.Platform
	resolveUser ResolveFunc
	resolveRole ResolveFunc
	notify      NotifyFunc
}

// New creates a Manager from cfg.
func New(cfg Config) *Manager {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	speaker := cfg.DefaultSpeakerID
	if speaker == "" {
		speaker = defaultSpeakerID
	}
	return &Manager{
		sessions:       make(map[string]*guildSession),
		connectLocks:   make(map[string]*sync.Mutex),
		queue:          cfg.Queue,
		normalizer:     cfg.Normalizer,
		tts:            cfg.TTS,
		store:          cfg.Store,
		metrics:        cfg.Metrics,
		shard:          cfg.Shard,
		connectTimeout: timeout,
		highLoadWindow: cfg.HighLoadWindow,
		defaultSpeaker: speaker,
		platformFor:    cfg.PlatformFor,
		resolveUser:    cfg.ResolveUser,
		resolveRole:    cfg.ResolveRole,
		notify:         cfg.Notify,
	}
}

// Join connects guildID to voiceChannelID. If a session already exists for
// the guild and its voice handle is already bound to voiceChannelID, the
// handle and its running Playback Worker are reused unchanged (only the
// bound text channel is retargeted); otherwise the existing session is torn
// down (worker cancelled, queue dropped, persisted state deleted) before
// connecting fresh. On success it persists the new VCState and enqueues a
// one-time "接続しました。" announcement spoken with requesterID's effective
// speaker id.
func (m *Manager) Join(ctx context.Context, guildID, voiceChannelID, ttsChannelID, requesterID string) error {
	m.mu.Lock()
	existing := m.sessions[guildID]
	m.mu.Unlock()

	var currentConn voice.Connection
	if existing != nil {
		if existing.conn != nil && existing.conn.ChannelID() == voiceChannelID {
			currentConn = existing.conn
		} else {
			m.teardown(ctx, guildID, existing, true)
			existing = nil
		}
	}

	conn, err := m.connectVoice(ctx, guildID, voiceChannelID, currentConn)
	if err != nil {
		return fmt.Errorf("session: join guild %q: %w", guildID, err)
	}

	if existing != nil && conn == currentConn {
		m.mu.Lock()
		existing.ttsChannelID = ttsChannelID
		m.mu.Unlock()
	} else {
		m.attachSession(&guildSession{guildID: guildID, voiceChannelID: voiceChannelID, ttsChannelID: ttsChannelID, conn: conn})
	}

	if err := m.store.UpsertVCState(ctx, storage.PersistedVCState{
		GuildID: guildID, ChannelID: voiceChannelID, TTSChannelID: ttsChannelID,
	}); err != nil {
		slog.Warn("session: persist vc_state failed", "guild", guildID, "err", err)
	}

	speakerID := m.UserSpeakerIDFor(ctx, requesterID)
	m.queue.Enqueue(guildID, queue.Item{Text: "接続しました。", SpeakerID: speakerID})
	return nil
}

// Leave disconnects and tears down guildID's session. Returns an error if
// no session is active for the guild.
func (m *Manager) Leave(ctx context.Context, guildID string) error {
	m.mu.Lock()
	gs := m.sessions[guildID]
	m.mu.Unlock()
	if gs == nil {
		return fmt.Errorf("session: no active session for guild %q", guildID)
	}
	m.teardown(ctx, guildID, gs, true)
	return nil
}

// ReconnectOnDrop re-reads guildID's persisted VCState and attempts to
// connect once more, for use when the bot was removed from the voice room
// by a non-local cause. It is a no-op if no state is persisted.
func (m *Manager) ReconnectOnDrop(ctx context.Context, guildID string) error {
	m.mu.Lock()
	gs := m.sessions[guildID]
	m.mu.Unlock()
	if gs != nil {
		// The bot was already dropped from voice by the platform, but the
		// handle still needs its handler/worker cleanup — Disconnect is
		// idempotent against an already-closed transport.
		m.teardown(ctx, guildID, gs, true)
	}

	states, err := m.store.VCStates(ctx)
	if err != nil {
		return fmt.Errorf("session: reconnect lookup state for guild %q: %w", guildID, err)
	}
	var target *storage.PersistedVCState
	for i := range states {
		if states[i].GuildID == guildID {
			target = &states[i]
			break
		}
	}
	if target == nil {
		return nil
	}

	conn, err := m.connectVoice(ctx, guildID, target.ChannelID, nil)
	if err != nil {
		return fmt.Errorf("session: reconnect guild %q: %w", guildID, err)
	}
	m.attachSession(&guildSession{
		guildID: guildID, voiceChannelID: target.ChannelID, ttsChannelID: target.TTSChannelID, conn: conn,
	})
	return nil
}

// AutoJoinOnMember connects guildID to channelJoined if an autojoin policy
// matches and no session is currently active. A no-op otherwise.
func (m *Manager) AutoJoinOnMember(ctx context.Context, guildID, channelJoined string) error {
	m.mu.Lock()
	_, exists := m.sessions[guildID]
	m.mu.Unlock()
	if exists {
		return nil
	}

	autojoins, err := m.store.AutojoinConfigs(ctx)
	if err != nil {
		return fmt.Errorf("session: autojoin lookup for guild %q: %w", guildID, err)
	}
	cfg, ok := autojoins[guildID]
	if !ok || cfg.VCChannelID != channelJoined {
		return nil
	}

	conn, err := m.connectVoice(ctx, guildID, cfg.VCChannelID, nil)
	if err != nil {
		return fmt.Errorf("session: autojoin guild %q: %w", guildID, err)
	}
	m.attachSession(&guildSession{
		guildID: guildID, voiceChannelID: cfg.VCChannelID, ttsChannelID: cfg.TTSChannelID, conn: conn,
	})

	if err := m.store.UpsertVCState(ctx, storage.PersistedVCState{
		GuildID: guildID, ChannelID: cfg.VCChannelID, TTSChannelID: cfg.TTSChannelID,
	}); err != nil {
		slog.Warn("session: persist autojoin vc_state failed", "guild", guildID, "err", err)
	}

	if m.notify != nil {
		m.notify(ctx, guildID, cfg.TTSChannelID, "自動接続しました。")
	}
	return nil
}

// StartupRecover iterates every persisted VCState and reconnects guilds
// whose target channel still has a non-bot member present, skipping the
// rest.
func (m *Manager) StartupRecover(ctx context.Context) error {
	states, err := m.store.VCStates(ctx)
	if err != nil {
		return fmt.Errorf("session: startup recover: list vc states: %w", err)
	}

	for _, st := range states {
		platform := m.platformFor(st.GuildID)
		if platform == nil {
			continue
		}
		count, err := platform.NonBotMemberCount(st.ChannelID)
		if err != nil {
			slog.Warn("session: startup recover member count failed", "guild", st.GuildID, "err", err)
			continue
		}
		if count == 0 {
			slog.Info("session: startup recover skipping empty channel", "guild", st.GuildID, "channel", st.ChannelID)
			continue
		}
		conn, err := m.connectVoice(ctx, st.GuildID, st.ChannelID, nil)
		if err != nil {
			slog.Warn("session: startup recover connect failed", "guild", st.GuildID, "err", err)
			continue
		}
		m.attachSession(&guildSession{
			guildID: st.GuildID, voiceChannelID: st.ChannelID, ttsChannelID: st.TTSChannelID, conn: conn,
		})
	}
	return nil
}

// liveVCState is a point-in-time copy of the fields of a guildSession Sync
// needs, taken under m.mu since ttsChannelID can be mutated in place by
// [Manager.Join]'s reuse path.
type liveVCState struct {
	voiceChannelID string
	ttsChannelID   string
}

// Sync reconciles persisted VCState against the live session map: rows for
// guilds with no live session are deleted, and live sessions missing a row
// get one inserted.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	snapshot := make(map[string]liveVCState, len(m.sessions))
	for k, v := range m.sessions {
		snapshot[k] = liveVCState{voiceChannelID: v.voiceChannelID, ttsChannelID: v.ttsChannelID}
	}
	m.mu.Unlock()

	states, err := m.store.VCStates(ctx)
	if err != nil {
		return fmt.Errorf("session: sync: list vc states: %w", err)
	}
	byGuild := make(map[string]storage.PersistedVCState, len(states))
	for _, st := range states {
		byGuild[st.GuildID] = st
	}

	for guildID := range byGuild {
		if _, ok := snapshot[guildID]; !ok {
			if err := m.store.DeleteVCState(ctx, guildID); err != nil {
				slog.Warn("session: sync delete stale vc_state failed", "guild", guildID, "err", err)
			}
		}
	}
	for guildID, live := range snapshot {
		if _, ok := byGuild[guildID]; !ok {
			state := storage.PersistedVCState{GuildID: guildID, ChannelID: live.voiceChannelID, TTSChannelID: live.ttsChannelID}
			if err := m.store.UpsertVCState(ctx, state); err != nil {
				slog.Warn("session: sync upsert missing vc_state failed", "guild", guildID, "err", err)
			}
		}
	}
	return nil
}

// RunSyncLoop runs [Manager.Sync] on a ticker until ctx is cancelled. interval
// defaults to 10 minutes when non-positive.
func (m *Manager) RunSyncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sync(ctx); err != nil {
				slog.Warn("session: periodic sync failed", "err", err)
			}
		}
	}
}

// UserSpeakerIDFor returns the effective speaker id for userID: the
// high-load override when the configured window is active, otherwise the
// stored preference, otherwise the default.
func (m *Manager) UserSpeakerIDFor(ctx context.Context, userID string) string {
	if m.highLoadWindow.Contains(time.Now()) {
		return m.highLoadWindow.SpeakerID
	}
	speakerID, ok, err := m.store.UserVoicePref(ctx, userID)
	if err != nil {
		slog.Warn("session: user voice pref lookup failed, using default", "user", userID, "err", err)
		return m.defaultSpeaker
	}
	if !ok {
		return m.defaultSpeaker
	}
	return speakerID
}

// TTSChannelFor returns the text channel id currently bound to guildID's
// active session, for use by the Event Router when deciding whether an
// inbound message was posted in the right channel. ok is false when the
// guild has no active session.
func (m *Manager) TTSChannelFor(guildID string) (ttsChannelID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs, exists := m.sessions[guildID]
	if !exists {
		return "", false
	}
	return gs.ttsChannelID, true
}

// ActiveSessionCount returns the number of guilds with a live voice session,
// for the voice_room_count gauge sampled by the caller.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StopPlayback halts whatever is currently playing in guildID's session
// (if any), for use by the Event Router's skip-command handling (spec.md
// §4.4 "instructs the Session Manager to stop the current playback"). A
// no-op if the guild has no active session.
func (m *Manager) StopPlayback(guildID string) {
	m.mu.Lock()
	gs := m.sessions[guildID]
	m.mu.Unlock()
	if gs == nil || gs.conn == nil {
		return
	}
	gs.conn.StopPlayback()
}

// connectVoice is the single choke point for voice-handle lifecycle. It
// serializes connect attempts per guild, reuses currentConn if it is
// already on channelID, and otherwise disconnects it before dialing fresh.
//
// On a close-code 4006 the attempt aborts immediately without retry and
// without forcing a disconnect of any existing handle (an earlier design
// disconnected here, which caused a reconnect storm).
func (m *Manager) connectVoice(ctx context.Context, guildID, channelID string, currentConn voice.Connection) (voice.Connection, error) {
	lock := m.lockFor(guildID)
	lock.Lock()
	defer lock.Unlock()

	if currentConn != nil {
		if currentConn.ChannelID() == channelID {
			return currentConn, nil
		}
		if err := currentConn.Disconnect(); err != nil {
			slog.Warn("session: disconnect stale handle before reconnect failed", "guild", guildID, "err", err)
		}
	}

	platform := m.platformFor(guildID)
	if platform == nil {
		return nil, fmt.Errorf("session: no voice platform configured for guild %q", guildID)
	}

	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		conn, err := platform.Connect(connectCtx, channelID)
		cancel()
		if err == nil {
			return conn, nil
		}

		if errors.Is(err, discord.ErrClosed4006) {
			return nil, err
		}

		lastErr = err
		if attempt < maxConnectAttempts {
			sleepOrDone(ctx, connectBackoff[attempt-1])
		}
	}
	return nil, fmt.Errorf("session: connect voice channel %q after %d attempts: %w", channelID, maxConnectAttempts, lastErr)
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (m *Manager) lockFor(guildID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.connectLocks[guildID]
	if !ok {
		lock = &sync.Mutex{}
		m.connectLocks[guildID] = lock
	}
	return lock
}

// attachSession registers gs as the live session for its guild, starts its
// Playback Worker, and wires participant-change notifications.
func (m *Manager) attachSession(gs *guildSession) {
	m.mu.Lock()
	m.sessions[gs.guildID] = gs
	m.mu.Unlock()

	workerCtx, cancel := context.WithCancel(context.Background())
	gs.cancel = cancel

	worker := playback.New(playback.Config{
		GuildID:      gs.guildID,
		Shard:        m.shard,
		Conn:         gs.conn,
		Queue:        m.queue,
		Normalizer:   m.normalizer,
		TTS:          m.tts,
		Store:        m.store,
		Metrics:      m.metrics,
		BuildContext: m.buildContext(gs.guildID),
		IsConnected:  func() bool { return m.isCurrentConn(gs.guildID, gs) },
	})
	gs.worker = worker
	worker.Start(workerCtx)

	gs.conn.OnParticipantChange(func(ev voice.Event) { m.handleParticipantEvent(gs.guildID, ev) })
}

func (m *Manager) buildContext(guildID string) playback.ContextBuilder {
	return func(_, _ string) normalizer.Context {
		return normalizer.Context{
			ResolveUser: func(id string) (string, bool) {
				if m.resolveUser == nil {
					return "", false
				}
				return m.resolveUser(guildID, id)
			},
			ResolveRole: func(id string) (string, bool) {
				if m.resolveRole == nil {
					return "", false
				}
				return m.resolveRole(guildID, id)
			},
		}
	}
}

// teardown removes gs from the live session map (if it is still current),
// stops its worker, drops its queue, and deletes its persisted state. The
// connection is disconnected too unless disconnectConn is false, for callers
// that already disconnected (or know not to: [Manager.connectVoice] disconnects
// a stale handle itself before dialing a replacement).
func (m *Manager) teardown(ctx context.Context, guildID string, gs *guildSession, disconnectConn bool) {
	m.mu.Lock()
	if m.sessions[guildID] == gs {
		delete(m.sessions, guildID)
	}
	m.mu.Unlock()

	if gs.cancel != nil {
		gs.cancel()
	}
	if gs.worker != nil {
		gs.worker.Stop()
	}
	if disconnectConn && gs.conn != nil {
		if err := gs.conn.Disconnect(); err != nil {
			slog.Warn("session: disconnect on teardown failed", "guild", guildID, "err", err)
		}
	}
	m.queue.Clear(guildID)
	if err := m.store.DeleteVCState(ctx, guildID); err != nil {
		slog.Warn("session: delete vc_state on teardown failed", "guild", guildID, "err", err)
	}
}

// isCurrentConn reports whether gs is still the manager's live session for
// guildID, used by a Playback Worker to detect it has been superseded or
// torn down.
func (m *Manager) isCurrentConn(guildID string, gs *guildSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[guildID] == gs
}

// handleParticipantEvent enqueues a join/leave announcement and triggers
// auto-leave when a departure empties the channel down to the bot alone.
func (m *Manager) handleParticipantEvent(guildID string, ev voice.Event) {
	m.mu.Lock()
	gs := m.sessions[guildID]
	m.mu.Unlock()
	if gs == nil {
		return
	}

	switch ev.Type {
	case voice.EventJoin:
		m.queue.Enqueue(guildID, queue.Item{
			Text:      fmt.Sprintf("%sが参加しました。", ev.Username),
			SpeakerID: m.defaultSpeaker,
		})
	case voice.EventLeave:
		m.queue.Enqueue(guildID, queue.Item{
			Text:      fmt.Sprintf("%sが退出しました。", ev.Username),
			SpeakerID: m.defaultSpeaker,
		})
		m.maybeAutoLeave(context.Background(), guildID, gs)
	}
}

// maybeAutoLeave disconnects the session if its voice channel no longer has
// any non-bot members.
func (m *Manager) maybeAutoLeave(ctx context.Context, guildID string, gs *guildSession) {
	platform := m.platformFor(guildID)
	if platform == nil {
		return
	}
	count, err := platform.NonBotMemberCount(gs.voiceChannelID)
	if err != nil {
		slog.Warn("session: auto-leave member count failed", "guild", guildID, "err", err)
		return
	}
	if count == 0 {
		if err := m.Leave(ctx, guildID); err != nil {
			slog.Warn("session: auto-leave failed", "guild", guildID, "err", err)
		}
	}
}
