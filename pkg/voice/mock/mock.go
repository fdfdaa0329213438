// Package mock provides in-memory mock implementations of the [voice.Platform]
// and [voice.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	conn := &mock.Connection{}
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "channel-42")
package mock

import (
	"context"
	"sync"

	"github.com/techfish-11/ttsrelay/pkg/voice"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Connection.Play] invocation.
type PlayCall struct {
	WavPath string
}

// Connection is a mock implementation of [voice.Connection].
// Set the exported Result fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// ChannelIDResult is returned by [Connection.ChannelID].
	ChannelIDResult string

	// PlayError is returned by [Connection.Play].
	PlayError error

	// PlayingAfterPlay, when true, makes [Connection.IsPlaying] report true
	// immediately after a successful Play call until SetPlaying(false) or
	// StopPlayback is called.
	PlayingAfterPlay bool

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	playing bool

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall

	// CallCountStopPlayback records how many times StopPlayback was called.
	CallCountStopPlayback int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// RecordedCallbacks holds the callbacks registered via OnParticipantChange,
	// in order of registration.
	RecordedCallbacks []func(voice.Event)
}

// ChannelID implements [voice.Connection]. Returns ChannelIDResult.
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ChannelIDResult
}

// Play implements [voice.Connection]. Records the call and returns PlayError.
// If PlayError is nil and PlayingAfterPlay is set, IsPlaying reports true
// until the test calls SetPlaying(false) or StopPlayback is invoked.
func (c *Connection) Play(_ context.Context, wavPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PlayCalls = append(c.PlayCalls, PlayCall{WavPath: wavPath})
	if c.PlayError != nil {
		return c.PlayError
	}
	if c.PlayingAfterPlay {
		c.playing = true
	}
	return nil
}

// IsPlaying implements [voice.Connection].
func (c *Connection) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// SetPlaying lets a test flip the playing state directly, simulating
// playback completion without waiting on a real goroutine.
func (c *Connection) SetPlaying(playing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playing = playing
}

// StopPlayback implements [voice.Connection].
func (c *Connection) StopPlayback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStopPlayback++
	c.playing = false
}

// OnParticipantChange implements [voice.Connection].
// The callback is appended to RecordedCallbacks. To simulate events in
// tests, call [Connection.EmitEvent].
func (c *Connection) OnParticipantChange(cb func(voice.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecordedCallbacks = append(c.RecordedCallbacks, cb)
}

// Disconnect implements [voice.Connection]. Returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// EmitEvent calls all registered participant-change callbacks with the given
// event. Use this in tests to simulate participants joining or leaving.
func (c *Connection) EmitEvent(ev voice.Event) {
	c.mu.Lock()
	cbs := make([]func(voice.Event), len(c.RecordedCallbacks))
	copy(cbs, c.RecordedCallbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	ChannelID string
}

// Platform is a mock implementation of [voice.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [voice.Connection] returned by Connect.
	ConnectResult voice.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall

	// NonBotMemberCounts maps channelID to the count returned by
	// NonBotMemberCount. Missing entries return 0, nil.
	NonBotMemberCounts map[string]int

	// NonBotMemberCountError is returned by NonBotMemberCount when set.
	NonBotMemberCountError error
}

// Connect implements [voice.Platform]. Records the call and returns
// ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, channelID string) (voice.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	return p.ConnectResult, p.ConnectError
}

// NonBotMemberCount implements [voice.Platform].
func (p *Platform) NonBotMemberCount(channelID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NonBotMemberCountError != nil {
		return 0, p.NonBotMemberCountError
	}
	return p.NonBotMemberCounts[channelID], nil
}
