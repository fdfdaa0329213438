package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/techfish-11/ttsrelay/internal/wav"
	"github.com/techfish-11/ttsrelay/pkg/voice"
)

// Compile-time interface assertion.
var _ voice.Connection = (*Connection)(nil)

// Connection wraps a discordgo.VoiceConnection and adapts it to
// [voice.Connection]. Unlike a general-purpose voice SDK adapter this is
// playback-only: it never reads c.vc.OpusRecv, since ttsrelay has no use for
// incoming audio.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string

	playMu     sync.Mutex
	playing    bool
	playCancel context.CancelFunc

	changeMu sync.Mutex
	changeCb func(voice.Event)

	removeHandler func()

	closeOnce sync.Once

	// disconnectVC tears down the voice connection during Disconnect.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice
// channel and registers a VoiceStateUpdate handler to detect participant
// join/leave within that channel.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) (*Connection, error) {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		disconnectVC: vc.Disconnect,
	}
	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	return c, nil
}

// ChannelID implements [voice.Connection].
func (c *Connection) ChannelID() string {
	return c.vc.ChannelID
}

// Play implements [voice.Connection]. It parses wavPath, converts the PCM to
// Discord's 48 kHz stereo target format, and streams Opus frames on an
// internal goroutine. Play fails fast if a previous Play call on this
// connection is still streaming.
func (c *Connection) Play(ctx context.Context, wavPath string) error {
	c.playMu.Lock()
	if c.playing {
		c.playMu.Unlock()
		return fmt.Errorf("discord: play already in progress on channel %q", c.vc.ChannelID)
	}

	raw, err := os.ReadFile(wavPath)
	if err != nil {
		c.playMu.Unlock()
		return fmt.Errorf("discord: read wav %q: %w", wavPath, err)
	}
	file, err := wav.Parse(raw)
	if err != nil {
		c.playMu.Unlock()
		return fmt.Errorf("discord: parse wav %q: %w", wavPath, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	c.playing = true
	c.playCancel = cancel
	c.playMu.Unlock()

	go c.stream(streamCtx, file)
	return nil
}

// IsPlaying implements [voice.Connection].
func (c *Connection) IsPlaying() bool {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	return c.playing
}

// StopPlayback implements [voice.Connection].
func (c *Connection) StopPlayback() {
	c.playMu.Lock()
	cancel := c.playCancel
	c.playMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// stream converts file's PCM to 48 kHz stereo, encodes it to Opus in
// frame-sized chunks, and sends each packet to Discord's OpusSend channel.
func (c *Connection) stream(ctx context.Context, file *wav.File) {
	defer func() {
		c.playMu.Lock()
		c.playing = false
		c.playCancel = nil
		c.playMu.Unlock()
	}()

	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "guild", c.guildID, "err", err)
		return
	}

	conv := voice.FormatConverter{Target: voice.Format{SampleRate: opusSampleRate, Channels: opusChannels}}
	frame := conv.Convert(voice.AudioFrame{
		Data:       file.PCM,
		SampleRate: file.SampleRate,
		Channels:   file.Channels,
	})
	pcm := frame.Data

	if err := c.vc.Speaking(true); err != nil {
		slog.Warn("discord: speaking(true) failed", "guild", c.guildID, "err", err)
	}
	defer func() {
		if err := c.vc.Speaking(false); err != nil {
			slog.Warn("discord: speaking(false) failed", "guild", c.guildID, "err", err)
		}
	}()

	for len(pcm) >= opusFrameBytes {
		select {
		case <-ctx.Done():
			return
		default:
		}

		packet, err := enc.encode(pcm[:opusFrameBytes])
		pcm = pcm[opusFrameBytes:]
		if err != nil {
			slog.Warn("discord: opus encode failed", "guild", c.guildID, "err", err)
			continue
		}

		select {
		case c.vc.OpusSend <- packet:
		case <-ctx.Done():
			return
		}
	}
}

// OnParticipantChange implements [voice.Connection].
func (c *Connection) OnParticipantChange(cb func(voice.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect implements [voice.Connection]. Safe to call more than once.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.StopPlayback()
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// handleVoiceStateUpdate detects participants joining or leaving this
// connection's channel and forwards the change to the registered callback.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}
	channelID := c.vc.ChannelID

	left := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID
	joined := vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID)
	if !left && !joined {
		return
	}

	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}
	ev := voice.Event{UserID: vsu.UserID, Username: username}
	if left {
		ev.Type = voice.EventLeave
	} else {
		ev.Type = voice.EventJoin
	}

	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
