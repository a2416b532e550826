package transport

import (
	"context"
	"errors"
)

// EmbedField is one name/value row of a rich embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Embed is a platform-neutral rich card. Color is a 24-bit RGB value.
type Embed struct {
	Title       string
	URL         string
	Description string
	Color       int
	Fields      []EmbedField
	ImageURL    string
}

// LinkButton is an action control that opens URL when clicked.
type LinkButton struct {
	Label string
	URL   string
}

// NotifyMessage is one unit of work for the delivery queue.
// It must not be mutated after it has been enqueued.
type NotifyMessage struct {
	ChannelID string
	Content   string
	Embed     *Embed
	Button    *LinkButton
}

// Empty reports whether the message has nothing to deliver.
func (m NotifyMessage) Empty() bool {
	return m.Content == "" && m.Embed == nil
}

// Sender delivers a message to a chat channel. Errors may be transient.
type Sender interface {
	Send(ctx context.Context, msg NotifyMessage) error
}

// GuildDirectory resolves guild display names. ok is false when the guild is unknown.
type GuildDirectory interface {
	GuildName(guildID string) (name string, ok bool)
}

// ChatTarget addresses a Telegram chat (and optional forum thread).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// TextSender is the minimal capability the log forwarder needs.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string) error
}

// ErrUndeliverable marks a send failure that retrying cannot fix (unknown
// channel, missing permission). Senders wrap it with %w.
var ErrUndeliverable = errors.New("transport: undeliverable")
