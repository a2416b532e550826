// Package render turns link templates and guild settings into notification payloads.
package render

import (
	"strconv"
	"strings"

	"github.com/boomNDS/soop-discoard-bot/internal/transport"
)

const DefaultColor = 0xE74C3C

// Context carries the values available to template placeholders.
type Context struct {
	ChannelID       string // external channel id
	NotifyChannelID string
	GuildName       string
	StreamURLBase   string
}

// SoopURL is the public watch URL of channelID.
func SoopURL(base, channelID string) string {
	return strings.TrimRight(base, "/") + "/" + channelID
}

func (c Context) soopURL() string { return SoopURL(c.StreamURLBase, c.ChannelID) }

// Value substitutes {soop_channel_id}, {notify_channel}, {guild} and {soop_url}.
// Anything else is left as written.
func Value(template string, c Context) string {
	if template == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{soop_channel_id}", c.ChannelID,
		"{notify_channel}", "<#"+c.NotifyChannelID+">",
		"{guild}", c.GuildName,
		"{soop_url}", c.soopURL(),
	)
	return r.Replace(template)
}

// Message renders the text content. An empty template yields the default line.
// mention, when set, is prepended.
func Message(template string, c Context, mention string) string {
	body := Value(template, c)
	if body == "" {
		body = "\U0001F534 **Live Now** on SOOP: `" + c.ChannelID + "` " + c.soopURL()
	}
	if mention == "" {
		return body
	}
	return strings.TrimSpace(mention + " " + body)
}

type MentionConfig struct {
	Type  string // "", "everyone" or "role"
	Value string
}

func Mention(m MentionConfig) string {
	switch m.Type {
	case "everyone":
		return "@everyone"
	case "role":
		if v := strings.TrimSpace(m.Value); v != "" {
			return "<@&" + v + ">"
		}
	}
	return ""
}

// EmbedInput is everything the live embed shows. Overrides are templates.
type EmbedInput struct {
	Context

	BroadcastTitle string
	Category       string
	Viewers        *int
	ThumbnailURL   string

	TitleOverride       string
	DescriptionOverride string
	Color               string // 6 hex digits, optional '#'
}

func Embed(in EmbedInput) transport.Embed {
	url := in.soopURL()
	e := transport.Embed{
		Title:       Value(in.TitleOverride, in.Context),
		URL:         url,
		Description: Value(in.DescriptionOverride, in.Context),
		Color:       ParseColor(in.Color),
		ImageURL:    in.ThumbnailURL,
	}
	if e.Title == "" {
		e.Title = in.ChannelID + " is now live on SOOP!"
	}
	if e.Description == "" {
		e.Description = in.BroadcastTitle
	}
	if in.Category != "" {
		e.Fields = append(e.Fields, transport.EmbedField{Name: "Category", Value: in.Category, Inline: true})
	}
	if in.Viewers != nil {
		e.Fields = append(e.Fields, transport.EmbedField{Name: "Viewers", Value: strconv.Itoa(*in.Viewers), Inline: true})
	}
	e.Fields = append(e.Fields, transport.EmbedField{Name: "Watch", Value: url})
	return e
}

// ParseColor reads "#RRGGBB" or "RRGGBB". Anything else is DefaultColor.
func ParseColor(raw string) int {
	v := strings.TrimPrefix(strings.TrimSpace(raw), "#")
	if len(v) != 6 {
		return DefaultColor
	}
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return DefaultColor
	}
	return int(n)
}

func WatchButton(url string) *transport.LinkButton {
	if url == "" {
		return nil
	}
	return &transport.LinkButton{Label: "Watch Stream", URL: url}
}
