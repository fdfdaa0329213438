// Package discord provides a [voice.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It is
// playback-only: ttsrelay never records or mixes participant audio, so this
// adapter joins a channel, encodes synthesized speech to Opus, and streams it
// out — it never reads incoming Opus packets.
package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/techfish-11/ttsrelay/pkg/voice"
)

// Compile-time interface assertion.
var _ voice.Platform = (*Platform)(nil)

// Platform implements [voice.Platform] using a discordgo voice connection.
// It requires an active *discordgo.Session (owned by the gateway layer).
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
	}
}

// Connect joins the voice channel identified by channelID and returns an
// active [voice.Connection]. The supplied ctx governs the connection-setup
// phase only; once the Connection is returned it lives until
// [Connection.Disconnect] is called.
//
// The bot always self-deafens (it never listens) and never self-mutes (it is
// the one speaking).
func (p *Platform) Connect(ctx context.Context, channelID string) (voice.Connection, error) {
	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	done := make(chan result, 1)
	go func() {
		vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, false, true)
		done <- result{vc, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	case res := <-done:
		if res.err != nil {
			if is4006(res.err) {
				return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, errClosed4006Wrap(res.err))
			}
			if isAlreadyConnected(res.err) {
				if existing, ok := p.session.VoiceConnections[p.guildID]; ok && existing != nil {
					if conn, connErr := newConnection(existing, p.session, p.guildID); connErr == nil {
						return conn, nil
					}
				}
			}
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, res.err)
		}

		conn, err := newConnection(res.vc, p.session, p.guildID)
		if err != nil {
			_ = res.vc.Disconnect()
			return nil, fmt.Errorf("discord: create connection: %w", err)
		}
		return conn, nil
	}
}

// NonBotMemberCount returns the number of non-bot members currently present
// in channelID, using the gateway's cached guild state.
func (p *Platform) NonBotMemberCount(channelID string) (int, error) {
	guild, err := p.session.State.Guild(p.guildID)
	if err != nil {
		return 0, fmt.Errorf("discord: guild state for %q: %w", p.guildID, err)
	}

	count := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		count++
	}
	return count, nil
}

// is4006 reports whether err represents a Discord voice gateway close code
// 4006 ("Session no longer valid"). discordgo does not expose a structured
// close-code type through its public API, so this matches on the error text
// the library produces when the voice websocket closes with that code.
func is4006(err error) bool {
	return err != nil && strings.Contains(err.Error(), "4006")
}

// isAlreadyConnected reports whether err represents discordgo refusing a
// join because a voice connection for this guild already exists. This
// happens when a previous Connection was never properly torn down (process
// restart, earlier disconnect failure) and discordgo's own session state
// still holds the old handle. Matched on error text for the same reason as
// is4006: discordgo exposes no structured error type for it.
func isAlreadyConnected(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already connected")
}

// ErrClosed4006 marks a connection error as a non-retryable 4006 voice
// session close. Callers (the session manager's connectVoice) check for this
// with errors.Is to skip backoff and retry entirely, per the special case
// for this close code.
var ErrClosed4006 = fmt.Errorf("discord: voice session closed (4006)")

func errClosed4006Wrap(err error) error {
	return fmt.Errorf("%w: %v", ErrClosed4006, err)
}
