// Package discord binds the delivery queue and guild directory to a discordgo session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/boomNDS/soop-discoard-bot/internal/transport"
	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

type Config struct {
	Token         string
	ApplicationID string
}

// Session sends notifications and answers guild-name lookups from the gateway cache.
type Session struct {
	cfg Config
	log logx.Logger
	dg  *discordgo.Session

	runMu   sync.Mutex
	running bool
}

func New(cfg Config, log logx.Logger) (*Session, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	dg, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{cfg: cfg, log: log, dg: dg}
	dg.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		s.log.Info("discord ready", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
	})
	dg.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		s.log.Debug("guild available", logx.String("guild_id", g.ID), logx.String("name", g.Name))
	})
	return s, nil
}

func (s *Session) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	if err := s.dg.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	s.running = true
	return nil
}

func (s *Session) Stop(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	done := make(chan error, 1)
	go func() { done <- s.dg.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.log.Warn("discord close timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// GuildName reads the gateway state cache.
func (s *Session) GuildName(guildID string) (string, bool) {
	if s.dg.State == nil {
		return "", false
	}
	g, err := s.dg.State.Guild(guildID)
	if err != nil || g == nil || g.Name == "" {
		return "", false
	}
	return g.Name, true
}

func (s *Session) Send(ctx context.Context, msg transport.NotifyMessage) error {
	_, err := s.dg.ChannelMessageSendComplex(msg.ChannelID, toMessageSend(msg), discordgo.WithContext(ctx))
	if err != nil {
		return classify(err)
	}
	return nil
}

func toMessageSend(msg transport.NotifyMessage) *discordgo.MessageSend {
	out := &discordgo.MessageSend{
		Content: msg.Content,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeEveryone, discordgo.AllowedMentionTypeRoles},
		},
	}
	if e := msg.Embed; e != nil {
		me := &discordgo.MessageEmbed{
			Title:       e.Title,
			URL:         e.URL,
			Description: e.Description,
			Color:       e.Color,
		}
		for _, f := range e.Fields {
			me.Fields = append(me.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
		}
		if e.ImageURL != "" {
			me.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
		}
		out.Embeds = []*discordgo.MessageEmbed{me}
	}
	if b := msg.Button; b != nil && b.URL != "" {
		out.Components = []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: b.Label, Style: discordgo.LinkButton, URL: b.URL},
			}},
		}
	}
	return out
}

// classify marks errors that retrying cannot fix.
func classify(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
			return fmt.Errorf("%w: %w", transport.ErrUndeliverable, err)
		}
	}
	return err
}
