// Package router implements the Event Router component from spec.md §4.7:
// it demultiplexes inbound text messages and voice-state changes to the
// Queue Core and Session Manager, enforcing the per-guild bound TTS text
// channel and the ban predicate along the way.
//
// The skip literal ("s") is handled here rather than as a queue item, per
// spec.md §9, to avoid a race where a skip message is synthesized before it
// can empty the queue it was meant to clear.
package router

import (
	"context"
	"fmt"

	"github.com/techfish-11/ttsrelay/internal/queue"
)

// skipLiteral is the exact message content that empties a guild's queue and
// stops playback instead of being enqueued (spec.md §4.4, P5).
const skipLiteral = "s"

// SessionLookup is the subset of [*session.Manager] the router depends on.
// Defined as an interface here (rather than importing the session package
// directly) to keep router tests independent of voice/platform plumbing.
type SessionLookup interface {
	// TTSChannelFor returns the text channel currently bound to guildID's
	// active session. ok is false when the guild has no active session.
	TTSChannelFor(guildID string) (ttsChannelID string, ok bool)

	// UserSpeakerIDFor returns the effective speaker id for userID.
	UserSpeakerIDFor(ctx context.Context, userID string) string

	// StopPlayback halts whatever is currently playing in guildID's session.
	StopPlayback(guildID string)

	// AutoJoinOnMember attempts an autojoin connect for guildID, per
	// spec.md §4.6.
	AutoJoinOnMember(ctx context.Context, guildID, channelJoined string) error

	// ReconnectOnDrop re-attempts a connect from persisted state after the
	// bot is removed from a voice room by a non-local cause.
	ReconnectOnDrop(ctx context.Context, guildID string) error
}

// Enqueuer is the subset of [*queue.Manager] the router depends on.
type Enqueuer interface {
	Enqueue(guildID string, item queue.Item)
	Clear(guildID string)
}

// AckFunc posts a visible acknowledgement (e.g. a reaction) on the message
// that triggered the skip command. The Discord gateway wrapper supplies
// this; the router has no knowledge of how acknowledgement is rendered.
type AckFunc func(ctx context.Context, channelID, messageID string)

// Message is the router's view of an inbound text-channel message, already
// stripped of every chat-platform-specific field it doesn't need.
type Message struct {
	GuildID   string
	ChannelID string
	MessageID string
	AuthorID  string
	IsBot     bool
	IsDM      bool
	Content   string

	// ImageAttachmentCount is the number of image attachments on the
	// message, used to synthesize a placeholder description per spec.md
	// §4.7 when the body is empty or accompanied by images.
	ImageAttachmentCount int
}

// VoiceStateChange is the router's view of an inbound voice-state update.
// ChannelID is the channel the subject is now in, or empty if they left
// every voice channel in the guild.
type VoiceStateChange struct {
	GuildID   string
	UserID    string
	IsBot     bool
	ChannelID string
}

// Router is the Event Router. The zero value is not usable; construct with
// [New].
type Router struct {
	sessions SessionLookup
	queue    Enqueuer
	bans     *BanSet
	ack      AckFunc
}

// Config supplies a Router's collaborators.
type Config struct {
	Sessions SessionLookup
	Queue    Enqueuer
	Bans     *BanSet

	// Ack posts a visible acknowledgement on a skip-command message. Optional.
	Ack AckFunc
}

// New creates a Router from cfg.
func New(cfg Config) *Router {
	return &Router{
		sessions: cfg.Sessions,
		queue:    cfg.Queue,
		bans:     cfg.Bans,
		ack:      cfg.Ack,
	}
}

// RouteMessage applies spec.md §4.7's per-message rules: drop bot/DM/banned
// authors and messages outside the guild's bound TTS channel, handle the
// skip literal, and otherwise enqueue the effective text with the author's
// resolved speaker id.
func (r *Router) RouteMessage(ctx context.Context, msg Message) error {
	if msg.IsBot || msg.IsDM {
		return nil
	}
	if r.bans != nil && r.bans.Contains(msg.AuthorID) {
		return nil
	}

	ttsChannelID, ok := r.sessions.TTSChannelFor(msg.GuildID)
	if !ok || msg.ChannelID != ttsChannelID {
		return nil
	}

	if msg.Content == skipLiteral {
		r.queue.Clear(msg.GuildID)
		r.sessions.StopPlayback(msg.GuildID)
		if r.ack != nil {
			r.ack(ctx, msg.ChannelID, msg.MessageID)
		}
		return nil
	}

	text := effectiveText(msg.Content, msg.ImageAttachmentCount)
	if text == "" {
		return nil
	}

	speakerID := r.sessions.UserSpeakerIDFor(ctx, msg.AuthorID)
	r.queue.Enqueue(msg.GuildID, queue.Item{Text: text, SpeakerID: speakerID, AuthorID: msg.AuthorID})
	return nil
}

// effectiveText computes the text spoken for a message body plus an image
// attachment count, per spec.md §4.7: an image-only message becomes a
// placeholder description; a message with both body and images appends the
// placeholder with a Japanese comma.
func effectiveText(body string, images int) string {
	switch {
	case body == "" && images == 0:
		return ""
	case body == "" && images > 0:
		return imageCountPhrase(images)
	case images > 0:
		return body + "、" + imageCountPhrase(images)
	default:
		return body
	}
}

func imageCountPhrase(n int) string {
	if n == 1 {
		return "1枚の画像"
	}
	return fmt.Sprintf("%d枚の画像", n)
}

// RouteVoiceState applies spec.md §4.7's voice-state delegation rules:
// a non-bot member arriving in a channel may trigger autojoin, and the bot
// itself dropping out of voice may trigger a reconnect attempt. Departures
// by other non-bot members (and the resulting announcements/auto-leave) are
// handled directly by the Session Manager's participant-change callback,
// since that path already holds the live [voice.Connection] the router has
// no access to.
func (r *Router) RouteVoiceState(ctx context.Context, ev VoiceStateChange) error {
	if ev.IsBot {
		if ev.ChannelID == "" {
			return r.sessions.ReconnectOnDrop(ctx, ev.GuildID)
		}
		return nil
	}
	if ev.ChannelID == "" {
		return nil
	}
	return r.sessions.AutoJoinOnMember(ctx, ev.GuildID, ev.ChannelID)
}
