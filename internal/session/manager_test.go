package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/techfish-11/ttsrelay/internal/config"
	"github.com/techfish-11/ttsrelay/internal/dictionary"
	"github.com/techfish-11/ttsrelay/internal/normalizer"
	"github.com/techfish-11/ttsrelay/internal/queue"
	"github.com/techfish-11/ttsrelay/internal/storage"
	"github.com/techfish-11/ttsrelay/internal/ttsclient"
	"github.com/techfish-11/ttsrelay/pkg/voice"
	"github.com/techfish-11/ttsrelay/pkg/voice/discord"
	"github.com/techfish-11/ttsrelay/pkg/voice/mock"
)

// fakePlatform is a hand-rolled [voice.Platform] that lets tests script a
// sequence of Connect results per call, unlike [mock.Platform]'s single
// static result.
type fakePlatform struct {
	mu          sync.Mutex
	connects    []string
	connectFunc func(channelID string) (voice.Connection, error)
	memberCount map[string]int
}

func (p *fakePlatform) Connect(_ context.Context, channelID string) (voice.Connection, error) {
	p.mu.Lock()
	p.connects = append(p.connects, channelID)
	p.mu.Unlock()
	return p.connectFunc(channelID)
}

func (p *fakePlatform) NonBotMemberCount(channelID string) (int, error) {
	return p.memberCount[channelID], nil
}

func (p *fakePlatform) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connects)
}

func newStubEngine(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/audio_query", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})
	mux.HandleFunc("/synthesis", func(w http.ResponseWriter, r *http.Request) {
		// minimal valid mono 16-bit WAV, ~0.05s
		w.Write(buildTestWAV(800))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func buildTestWAV(frames int) []byte {
	le := func(v uint32) []byte {
		b := make([]byte, 4)
		b[0] = byte(v)
		b[1] = byte(v >> 8)
		b[2] = byte(v >> 16)
		b[3] = byte(v >> 24)
		return b
	}
	dataSize := uint32(frames * 2)
	buf := make([]byte, 0, 44+dataSize)
	buf = append(buf, []byte("RIFF")...)
	buf = append(buf, le(36+dataSize)...)
	buf = append(buf, []byte("WAVE")...)
	buf = append(buf, []byte("fmt ")...)
	buf = append(buf, le(16)...)
	buf = append(buf, 1, 0, 1, 0) // PCM, mono
	buf = append(buf, le(16000)...)
	buf = append(buf, le(32000)...)
	buf = append(buf, 2, 0, 16, 0)
	buf = append(buf, []byte("data")...)
	buf = append(buf, le(dataSize)...)
	buf = append(buf, make([]byte, dataSize)...)
	return buf
}

type testHarness struct {
	mgr   *Manager
	store *storage.MemStore
	platforms map[string]*fakePlatform
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store := storage.NewMemStore()
	dict, err := dictionary.New(context.Background(), store, dictionary.WithRefreshInterval(time.Hour))
	if err != nil {
		t.Fatalf("dictionary.New: %v", err)
	}
	t.Cleanup(dict.Stop)
	n := normalizer.New(dict)
	srv := newStubEngine(t)
	tts := ttsclient.New(func() []string { return []string{srv.URL} }, t.TempDir())
	qm := queue.NewManager()

	platforms := make(map[string]*fakePlatform)

	mgr := New(Config{
		Queue:      qm,
		Normalizer: n,
		TTS:        tts,
		Store:      store,
		PlatformFor: func(guildID string) voice.Platform {
			return platforms[guildID]
		},
	})
	return &testHarness{mgr: mgr, store: store, platforms: platforms}
}

func (h *testHarness) withPlatform(guildID string, p *fakePlatform) {
	h.platforms[guildID] = p
}

func connectingPlatform(conn voice.Connection) *fakePlatform {
	return &fakePlatform{connectFunc: func(string) (voice.Connection, error) { return conn, nil }}
}

func TestManager_Join_PersistsStateAndStartsSession(t *testing.T) {
	h := newHarness(t)
	conn := &mock.Connection{ChannelIDResult: "vc1"}
	h.withPlatform("g1", connectingPlatform(conn))

	if err := h.mgr.Join(context.Background(), "g1", "vc1", "tts1", "user1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	states, err := h.store.VCStates(context.Background())
	if err != nil {
		t.Fatalf("VCStates: %v", err)
	}
	if len(states) != 1 || states[0].GuildID != "g1" || states[0].ChannelID != "vc1" {
		t.Fatalf("unexpected vc states: %+v", states)
	}

	// Give the worker a moment to drain the "接続しました。" announcement.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(conn.PlayCalls) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(conn.PlayCalls) == 0 {
		t.Error("expected the connect announcement to be played")
	}
}

func TestManager_Join_TearsDownExistingSessionFirst(t *testing.T) {
	h := newHarness(t)
	conn1 := &mock.Connection{ChannelIDResult: "vc1"}
	conn2 := &mock.Connection{ChannelIDResult: "vc2"}

	calls := 0
	h.withPlatform("g1", &fakePlatform{connectFunc: func(string) (voice.Connection, error) {
		calls++
		if calls == 1 {
			return conn1, nil
		}
		return conn2, nil
	}})

	if err := h.mgr.Join(context.Background(), "g1", "vc1", "tts1", "u1"); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	if err := h.mgr.Join(context.Background(), "g1", "vc2", "tts1", "u1"); err != nil {
		t.Fatalf("second Join: %v", err)
	}

	if conn1.CallCountDisconnect == 0 {
		t.Error("expected the first connection to be disconnected on re-join")
	}
}

func TestManager_Join_SameChannelReusesExistingHandle(t *testing.T) {
	h := newHarness(t)
	conn := &mock.Connection{ChannelIDResult: "vc1"}
	p := connectingPlatform(conn)
	h.withPlatform("g1", p)

	if err := h.mgr.Join(context.Background(), "g1", "vc1", "tts1", "u1"); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	if err := h.mgr.Join(context.Background(), "g1", "vc1", "tts2", "u1"); err != nil {
		t.Fatalf("second Join: %v", err)
	}

	if got := p.callCount(); got != 1 {
		t.Fatalf("expected a single Connect call when re-joining the same channel, got %d", got)
	}
	if conn.CallCountDisconnect != 0 {
		t.Errorf("expected the reused handle not to be disconnected, got %d disconnects", conn.CallCountDisconnect)
	}
	if got, ok := h.mgr.TTSChannelFor("g1"); !ok || got != "tts2" {
		t.Errorf("TTSChannelFor(g1) = (%q, %v), want (%q, true)", got, ok, "tts2")
	}
}

func TestManager_ConnectVoice_4006NoRetry(t *testing.T) {
	h := newHarness(t)
	p := &fakePlatform{connectFunc: func(string) (voice.Connection, error) {
		return nil, fmt.Errorf("voice close: %w", discord.ErrClosed4006)
	}}
	h.withPlatform("g1", p)

	err := h.mgr.Join(context.Background(), "g1", "vc1", "tts1", "u1")
	if err == nil {
		t.Fatal("expected Join to fail on 4006")
	}
	if got := p.callCount(); got != 1 {
		t.Fatalf("expected exactly one connect attempt on 4006, got %d", got)
	}
}

func TestManager_ReconnectOnDrop_UsesPersistedState(t *testing.T) {
	h := newHarness(t)
	h.store.UpsertVCState(context.Background(), storage.PersistedVCState{GuildID: "g1", ChannelID: "vc1", TTSChannelID: "tts1"})

	conn := &mock.Connection{ChannelIDResult: "vc1"}
	p := connectingPlatform(conn)
	h.withPlatform("g1", p)

	if err := h.mgr.ReconnectOnDrop(context.Background(), "g1"); err != nil {
		t.Fatalf("ReconnectOnDrop: %v", err)
	}
	if got := p.callCount(); got != 1 {
		t.Fatalf("expected one connect call, got %d", got)
	}
}

func TestManager_ReconnectOnDrop_NoOpWithoutPersistedState(t *testing.T) {
	h := newHarness(t)
	p := connectingPlatform(&mock.Connection{})
	h.withPlatform("g1", p)

	if err := h.mgr.ReconnectOnDrop(context.Background(), "g1"); err != nil {
		t.Fatalf("ReconnectOnDrop: %v", err)
	}
	if got := p.callCount(); got != 0 {
		t.Fatalf("expected no connect attempt without persisted state, got %d", got)
	}
}

func TestManager_AutoJoinOnMember_MatchesConfiguredChannel(t *testing.T) {
	h := newHarness(t)
	h.store.SeedAutojoin(storage.AutojoinConfig{GuildID: "g1", VCChannelID: "vc1", TTSChannelID: "tts1"})
	conn := &mock.Connection{ChannelIDResult: "vc1"}
	h.withPlatform("g1", connectingPlatform(conn))

	if err := h.mgr.AutoJoinOnMember(context.Background(), "g1", "vc1"); err != nil {
		t.Fatalf("AutoJoinOnMember: %v", err)
	}

	states, _ := h.store.VCStates(context.Background())
	if len(states) != 1 {
		t.Fatalf("expected persisted vc state after autojoin, got %d rows", len(states))
	}
}

func TestManager_AutoJoinOnMember_IgnoresUnconfiguredChannel(t *testing.T) {
	h := newHarness(t)
	h.store.SeedAutojoin(storage.AutojoinConfig{GuildID: "g1", VCChannelID: "vc1", TTSChannelID: "tts1"})
	p := connectingPlatform(&mock.Connection{})
	h.withPlatform("g1", p)

	if err := h.mgr.AutoJoinOnMember(context.Background(), "g1", "vc-other"); err != nil {
		t.Fatalf("AutoJoinOnMember: %v", err)
	}
	if got := p.callCount(); got != 0 {
		t.Fatalf("expected no connect for a non-matching channel, got %d", got)
	}
}

func TestManager_StartupRecover_SkipsEmptyChannel(t *testing.T) {
	h := newHarness(t)
	h.store.UpsertVCState(context.Background(), storage.PersistedVCState{GuildID: "g-empty", ChannelID: "vc-empty", TTSChannelID: "t"})
	h.store.UpsertVCState(context.Background(), storage.PersistedVCState{GuildID: "g-full", ChannelID: "vc-full", TTSChannelID: "t"})

	emptyPlatform := connectingPlatform(&mock.Connection{})
	emptyPlatform.memberCount = map[string]int{"vc-empty": 0}
	h.withPlatform("g-empty", emptyPlatform)

	fullPlatform := connectingPlatform(&mock.Connection{ChannelIDResult: "vc-full"})
	fullPlatform.memberCount = map[string]int{"vc-full": 1}
	h.withPlatform("g-full", fullPlatform)

	if err := h.mgr.StartupRecover(context.Background()); err != nil {
		t.Fatalf("StartupRecover: %v", err)
	}

	if got := emptyPlatform.callCount(); got != 0 {
		t.Fatalf("expected empty channel to be skipped, connect calls = %d", got)
	}
	if got := fullPlatform.callCount(); got != 1 {
		t.Fatalf("expected non-empty channel to reconnect, connect calls = %d", got)
	}
}

func TestManager_Sync_ReconcilesPersistedState(t *testing.T) {
	h := newHarness(t)
	conn := &mock.Connection{ChannelIDResult: "vc1"}
	h.withPlatform("g1", connectingPlatform(conn))
	if err := h.mgr.Join(context.Background(), "g1", "vc1", "tts1", "u1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// Simulate a stale row for a guild with no live session.
	h.store.UpsertVCState(context.Background(), storage.PersistedVCState{GuildID: "ghost", ChannelID: "x", TTSChannelID: "y"})
	// Simulate the live session's row having been lost.
	h.store.DeleteVCState(context.Background(), "g1")

	if err := h.mgr.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	states, _ := h.store.VCStates(context.Background())
	byGuild := make(map[string]bool)
	for _, st := range states {
		byGuild[st.GuildID] = true
	}
	if !byGuild["g1"] {
		t.Error("expected g1's vc_state to be re-inserted by Sync")
	}
	if byGuild["ghost"] {
		t.Error("expected ghost's vc_state to be deleted by Sync")
	}
}

func TestManager_UserSpeakerIDFor_HighLoadOverride(t *testing.T) {
	h := newHarness(t)
	h.store.SetUserVoicePref(context.Background(), "u1", "55")

	h.mgr.highLoadWindow = config.HighLoadWindow{
		Enabled:   true,
		Start:     0,
		End:       24 * time.Hour,
		Location:  time.UTC,
		SpeakerID: "99",
	}

	if got := h.mgr.UserSpeakerIDFor(context.Background(), "u1"); got != "99" {
		t.Errorf("UserSpeakerIDFor during high-load window = %q, want %q", got, "99")
	}

	h.mgr.highLoadWindow = config.HighLoadWindow{}
	if got := h.mgr.UserSpeakerIDFor(context.Background(), "u1"); got != "55" {
		t.Errorf("UserSpeakerIDFor outside window = %q, want stored pref %q", got, "55")
	}
}

func TestManager_UserSpeakerIDFor_DefaultWhenUnset(t *testing.T) {
	h := newHarness(t)
	if got := h.mgr.UserSpeakerIDFor(context.Background(), "unknown-user"); got != defaultSpeakerID {
		t.Errorf("UserSpeakerIDFor for unknown user = %q, want default %q", got, defaultSpeakerID)
	}
}

func TestManager_AutoLeave_OnEmptyChannel(t *testing.T) {
	h := newHarness(t)
	conn := &mock.Connection{ChannelIDResult: "vc1"}
	p := connectingPlatform(conn)
	p.memberCount = map[string]int{"vc1": 0}
	h.withPlatform("g1", p)

	if err := h.mgr.Join(context.Background(), "g1", "vc1", "tts1", "u1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	conn.EmitEvent(voice.Event{Type: voice.EventLeave, UserID: "u2", Username: "Someone"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn.CallCountDisconnect > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conn.CallCountDisconnect == 0 {
		t.Error("expected auto-leave to disconnect when the channel becomes bot-only")
	}

	if err := h.mgr.Leave(context.Background(), "g1"); err == nil {
		t.Error("expected Leave to fail: session should already be torn down by auto-leave")
	}
}

func TestManager_ActiveSessionCount(t *testing.T) {
	h := newHarness(t)
	if got := h.mgr.ActiveSessionCount(); got != 0 {
		t.Fatalf("ActiveSessionCount() = %d, want 0 before any Join", got)
	}

	conn := &mock.Connection{ChannelIDResult: "vc1"}
	h.withPlatform("g1", connectingPlatform(conn))
	if err := h.mgr.Join(context.Background(), "g1", "vc1", "tts1", "user1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := h.mgr.ActiveSessionCount(); got != 1 {
		t.Fatalf("ActiveSessionCount() = %d, want 1 after Join", got)
	}

	if err := h.mgr.Leave(context.Background(), "g1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if got := h.mgr.ActiveSessionCount(); got != 0 {
		t.Fatalf("ActiveSessionCount() = %d, want 0 after Leave", got)
	}
}
