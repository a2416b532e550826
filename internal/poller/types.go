package poller

import (
	"context"
	"errors"
	"time"

	"github.com/boomNDS/soop-discoard-bot/internal/soop"
	"github.com/boomNDS/soop-discoard-bot/internal/storage"
	"github.com/boomNDS/soop-discoard-bot/internal/transport"
)

var (
	ErrNoLinks   = errors.New("guild has no links")
	ErrNotLinked = errors.New("channel is not linked in this guild")
	ErrRejected  = errors.New("notification rejected by queue")
)

const (
	PolicyBroadcast = "broadcast"
	PolicySession   = "session"

	// PollStateLastPoll is the poll_state key written after every cycle.
	PollStateLastPoll = "last_poll_at"
)

type Config struct {
	Interval      time.Duration
	Policy        string
	StreamURLBase string
}

// Links is the read side of the link registry.
type Links interface {
	ListAllLinks(ctx context.Context) ([]storage.Link, error)
	GetLinks(ctx context.Context, guildID string) ([]storage.Link, error)
}

type Settings interface {
	GuildSettings(ctx context.Context, guildID string) (storage.GuildSettings, error)
}

type PollState interface {
	SetPollState(ctx context.Context, key, value string) error
}

// Fetcher resolves live status for a set of external channels.
type Fetcher interface {
	FetchLive(ctx context.Context, ids []string) soop.Batch
	FetchLiveInfo(ctx context.Context, channelID string) (*soop.LiveInfo, error)
}

type Limiter interface {
	Allow(guildID string, limitPerMinute int) bool
}

type Queue interface {
	Enqueue(msg transport.NotifyMessage) bool
}
