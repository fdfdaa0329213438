// Package discord provides the Discord gateway wrapper for ttsrelay: it owns
// the discordgo.Session, supplies [voice.Platform] instances scoped per
// guild, resolves mention tokens for the Text Normalizer, and demultiplexes
// MESSAGE_CREATE / VOICE_STATE_UPDATE events into the Event Router.
//
// This mirrors the donor's internal/discord/bot.go shape (session
// lifecycle, a thin wrapper type, AddHandler registration) generalized from
// single-guild slash-command routing to multi-guild event demultiplexing.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/techfish-11/ttsrelay/internal/router"
	"github.com/techfish-11/ttsrelay/pkg/voice"
	voicediscord "github.com/techfish-11/ttsrelay/pkg/voice/discord"
)

// ackEmoji is the reaction added to a message that triggered the skip
// command (spec.md §4.4: "acknowledges visibly (e.g., reaction)").
const ackEmoji = "✅"

// Gateway owns the Discord session and wires inbound events to a
// [*router.Router]. The zero value is not usable; construct with [New].
type Gateway struct {
	session *discordgo.Session

	mu        sync.Mutex
	platforms map[string]*voicediscord.Platform

	router *router.Router
}

// New creates a Gateway, opens the session, and sets the gateway intents
// required by the pipeline: guild messages (+ content, since the Text
// Normalizer and skip command need the raw body), guild voice states (for
// autojoin/auto-leave/reconnect), and guild members (to resolve mention
// tokens and detect bot-only channels).
func New(token string) (*Gateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuilds

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	return &Gateway{
		session:   session,
		platforms: make(map[string]*voicediscord.Platform),
	}, nil
}

// Wire registers r as the destination for inbound message and voice-state
// events. Must be called once, after construction and before the gateway's
// events start flowing (i.e. right after [New]).
func (g *Gateway) Wire(r *router.Router) {
	g.router = r
	g.session.AddHandler(g.onMessageCreate)
	g.session.AddHandler(g.onVoiceStateUpdate)
}

// Close disconnects the gateway session. Safe to call once.
func (g *Gateway) Close() error {
	if err := g.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	return nil
}

// GuildCount returns the number of guilds this session's state cache
// currently tracks, for the periodic server_stats/guild_count sample.
func (g *Gateway) GuildCount() int {
	return len(g.session.State.Guilds)
}

// PlatformFor returns the [voice.Platform] collaborator for guildID,
// creating and caching one on first use. Suitable as [session.Config]'s
// PlatformFor field.
func (g *Gateway) PlatformFor(guildID string) voice.Platform {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.platforms[guildID]
	if !ok {
		p = voicediscord.New(g.session, guildID)
		g.platforms[guildID] = p
	}
	return p
}

// ResolveUser maps a user id to a display name within guildID's scope,
// using the gateway's cached guild-member state. Suitable as
// [session.Config]'s ResolveUser field.
func (g *Gateway) ResolveUser(guildID, userID string) (string, bool) {
	member, err := g.session.State.Member(guildID, userID)
	if err != nil || member == nil {
		return "", false
	}
	if member.Nick != "" {
		return member.Nick, true
	}
	if member.User != nil {
		return member.User.Username, true
	}
	return "", false
}

// ResolveRole maps a role id to its name within guildID's scope. Suitable as
// [session.Config]'s ResolveRole field.
func (g *Gateway) ResolveRole(guildID, roleID string) (string, bool) {
	role, err := g.session.State.Role(guildID, roleID)
	if err != nil || role == nil {
		return "", false
	}
	return role.Name, true
}

// Notify posts message to ttsChannelID, for use as [session.Config]'s Notify
// field (autojoin notifications).
func (g *Gateway) Notify(_ context.Context, _ string, ttsChannelID, message string) {
	if _, err := g.session.ChannelMessageSend(ttsChannelID, message); err != nil {
		slog.Warn("discord: notify failed", "channel", ttsChannelID, "err", err)
	}
}

// Ack adds a visible reaction to messageID, for use as [router.Config]'s Ack
// field (skip-command acknowledgement).
func (g *Gateway) Ack(_ context.Context, channelID, messageID string) {
	if err := g.session.MessageReactionAdd(channelID, messageID, ackEmoji); err != nil {
		slog.Warn("discord: ack reaction failed", "channel", channelID, "message", messageID, "err", err)
	}
}

func (g *Gateway) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	msg := router.Message{
		GuildID:              m.GuildID,
		ChannelID:            m.ChannelID,
		MessageID:            m.ID,
		AuthorID:             m.Author.ID,
		IsBot:                m.Author.Bot,
		IsDM:                 m.GuildID == "",
		Content:              m.Content,
		ImageAttachmentCount: countImageAttachments(m.Attachments),
	}
	if err := g.router.RouteMessage(context.Background(), msg); err != nil {
		slog.Warn("discord: route message failed", "guild", m.GuildID, "err", err)
	}
}

func (g *Gateway) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil {
		return
	}
	isBot := v.UserID == s.State.User.ID
	ev := router.VoiceStateChange{
		GuildID:   v.GuildID,
		UserID:    v.UserID,
		IsBot:     isBot,
		ChannelID: v.ChannelID,
	}
	if err := g.router.RouteVoiceState(context.Background(), ev); err != nil {
		slog.Warn("discord: route voice state failed", "guild", v.GuildID, "err", err)
	}
}

func countImageAttachments(attachments []*discordgo.MessageAttachment) int {
	count := 0
	for _, a := range attachments {
		if a == nil {
			continue
		}
		if strings.HasPrefix(a.ContentType, "image/") {
			count++
		}
	}
	return count
}
