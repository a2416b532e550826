package poller

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boomNDS/soop-discoard-bot/internal/metrics"
	"github.com/boomNDS/soop-discoard-bot/internal/render"
	"github.com/boomNDS/soop-discoard-bot/internal/soop"
	"github.com/boomNDS/soop-discoard-bot/internal/storage"
	"github.com/boomNDS/soop-discoard-bot/internal/transport"
	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

// Deps are the collaborators of a Poller. Guilds and Metrics may be nil.
type Deps struct {
	Links     Links
	States    storage.LiveStateStore
	Settings  Settings
	PollState PollState
	Fetcher   Fetcher
	Limiter   Limiter
	Queue     Queue
	Guilds    transport.GuildDirectory
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

// Poller owns the in-memory view of live state. PollOnce is serialized.
type Poller struct {
	d   Deps
	log logx.Logger
	now func() time.Time

	policy        atomic.Value // string
	interval      atomic.Int64
	streamURLBase string

	cycleMu sync.Mutex
	loaded  bool
	state   map[storage.PairKey]storage.LiveState
}

func New(cfg Config, d Deps) *Poller {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Poller{
		d:             d,
		log:           log,
		now:           time.Now,
		streamURLBase: cfg.StreamURLBase,
		state:         map[storage.PairKey]storage.LiveState{},
	}
	p.SetPolicy(cfg.Policy)
	p.SetInterval(cfg.Interval)
	return p
}

// SetInterval changes the delay between cycles. Non-positive values mean 60s.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		d = 60 * time.Second
	}
	p.interval.Store(int64(d))
}

func (p *Poller) Interval() time.Duration { return time.Duration(p.interval.Load()) }

func (p *Poller) SetPolicy(policy string) {
	if policy != PolicySession {
		policy = PolicyBroadcast
	}
	p.policy.Store(policy)
}

func (p *Poller) Policy() string { return p.policy.Load().(string) }

// Run polls until ctx is done. A failing or panicking cycle is logged and the
// loop carries on.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started", logx.Duration("interval", p.Interval()), logx.String("policy", p.Policy()))
	for {
		if err := p.safePoll(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("poll cycle failed", logx.Err(err))
		}
		t := time.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			t.Stop()
			p.log.Info("poller stopped")
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (p *Poller) safePoll(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("poll cycle panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.PollOnce(ctx)
}

// shouldNotify is the transition rule for one pair.
func shouldNotify(policy string, wasLive bool, prevBroadcastID string, isLive bool, broadcastID string) bool {
	if !isLive {
		return false
	}
	if !wasLive {
		return true
	}
	return policy == PolicyBroadcast && broadcastID != "" && broadcastID != prevBroadcastID
}

// PollOnce runs one full cycle.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := p.now()
	if err := p.loadLocked(ctx); err != nil {
		return err
	}

	links, err := p.d.Links.ListAllLinks(ctx)
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}

	active := make(map[storage.PairKey]struct{}, len(links))
	ids := make([]string, 0, len(links))
	seen := map[string]struct{}{}
	for _, l := range links {
		active[l.Key()] = struct{}{}
		if _, ok := seen[l.ExternalChannelID]; !ok {
			seen[l.ExternalChannelID] = struct{}{}
			ids = append(ids, l.ExternalChannelID)
		}
	}
	for k := range p.state {
		if _, ok := active[k]; !ok {
			delete(p.state, k)
		}
	}
	if pruned, err := p.d.States.PruneExcept(ctx, active); err != nil {
		p.log.Warn("prune live state failed", logx.Err(err))
	} else if len(pruned) > 0 {
		p.log.Info("pruned live state", logx.Int("count", len(pruned)))
	}

	sort.Strings(ids)
	batch := p.d.Fetcher.FetchLive(ctx, ids)
	if err := ctx.Err(); err != nil {
		return err
	}

	policy := p.Policy()
	settings := map[string]*storage.GuildSettings{}
	enqueued := 0
	for _, l := range links {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		key := l.Key()
		prev := p.state[key]
		// A failed lookup counts as offline for this cycle.
		live := batch.IsLive(l.ExternalChannelID)
		info := batch.Live[l.ExternalChannelID]
		next := storage.LiveState{
			GuildID:           l.GuildID,
			ExternalChannelID: l.ExternalChannelID,
			IsLive:            live,
			LastNotifiedAt:    prev.LastNotifiedAt,
		}
		if live {
			next.BroadcastID = info.BroadcastID
			if next.BroadcastID == "" && prev.IsLive {
				next.BroadcastID = prev.BroadcastID
			}
		}
		if shouldNotify(policy, prev.IsLive, prev.BroadcastID, live, info.BroadcastID) {
			if p.notify(ctx, l, &info, settings) {
				at := p.now().UTC()
				next.LastNotifiedAt = &at
				enqueued++
			}
		}

		p.state[key] = next
		if err := p.d.States.Upsert(ctx, next); err != nil {
			p.log.Warn("persist live state failed", logx.String("key", string(key)), logx.Err(err))
		}
	}

	d := p.now().Sub(start)
	p.d.Metrics.RecordLiveDetected(len(batch.Live))
	p.d.Metrics.RecordEmptyResponses(batch.Empty)
	p.d.Metrics.RecordPoll(d, len(batch.Live))
	if p.d.PollState != nil {
		if err := p.d.PollState.SetPollState(ctx, PollStateLastPoll, p.now().UTC().Format(time.RFC3339)); err != nil {
			p.log.Debug("record last poll failed", logx.Err(err))
		}
	}
	p.log.Debug("poll cycle done",
		logx.Int("links", len(links)),
		logx.Int("channels", len(ids)),
		logx.Int("live", len(batch.Live)),
		logx.Int("failed", len(batch.Failed)),
		logx.Int("enqueued", enqueued),
		logx.Duration("took", d),
	)
	return nil
}

func (p *Poller) loadLocked(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	rows, err := p.d.States.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load live state: %w", err)
	}
	for _, st := range rows {
		p.state[st.Key()] = st
	}
	p.loaded = true
	p.log.Info("live state loaded", logx.Int("rows", len(rows)))
	return nil
}

// notify renders and enqueues one live notification if the guild's rate limit
// admits it. cache holds settings already read this cycle.
func (p *Poller) notify(ctx context.Context, l storage.Link, info *soop.LiveInfo, cache map[string]*storage.GuildSettings) bool {
	gs, ok := cache[l.GuildID]
	if !ok {
		s, err := p.d.Settings.GuildSettings(ctx, l.GuildID)
		if err != nil {
			p.log.Warn("load guild settings failed; using defaults", logx.String("guild_id", l.GuildID), logx.Err(err))
			s = storage.GuildSettings{GuildID: l.GuildID}
		}
		gs = &s
		cache[l.GuildID] = gs
	}

	limit := 0
	if gs.RateLimitPerMin != nil {
		limit = *gs.RateLimitPerMin
	}
	if !p.d.Limiter.Allow(l.GuildID, limit) {
		p.log.Info("notification rate limited",
			logx.String("guild_id", l.GuildID),
			logx.String("channel", l.ExternalChannelID),
			logx.Int("limit_per_min", limit),
		)
		return false
	}
	return p.d.Queue.Enqueue(p.build(l, info, *gs))
}

func (p *Poller) build(l storage.Link, info *soop.LiveInfo, gs storage.GuildSettings) transport.NotifyMessage {
	rc := render.Context{
		ChannelID:       l.ExternalChannelID,
		NotifyChannelID: l.NotifyChannelID,
		GuildName:       p.guildName(l.GuildID),
		StreamURLBase:   p.streamURLBase,
	}
	tmpl := ""
	if l.MessageTemplate != nil {
		tmpl = *l.MessageTemplate
	}
	mention := render.Mention(render.MentionConfig{Type: gs.Mention.Type, Value: gs.Mention.Value})

	in := render.EmbedInput{
		Context:             rc,
		TitleOverride:       deref(gs.Embed.Title),
		DescriptionOverride: deref(gs.Embed.Description),
		Color:               deref(gs.Embed.Color),
	}
	if info != nil {
		in.BroadcastTitle = info.Title
		in.Category = info.Category
		in.Viewers = info.Viewers
		in.ThumbnailURL = info.ThumbnailURL
	}
	embed := render.Embed(in)
	return transport.NotifyMessage{
		ChannelID: l.NotifyChannelID,
		Content:   render.Message(tmpl, rc, mention),
		Embed:     &embed,
		Button:    render.WatchButton(render.SoopURL(p.streamURLBase, l.ExternalChannelID)),
	}
}

func (p *Poller) guildName(guildID string) string {
	if p.d.Guilds != nil {
		if name, ok := p.d.Guilds.GuildName(guildID); ok && name != "" {
			return name
		}
	}
	return guildID
}

// SendTest enqueues a sample live notification for one linked channel. An empty
// channelID picks the guild's first link. Rate limits do not apply.
func (p *Poller) SendTest(ctx context.Context, guildID, channelID string) error {
	links, err := p.d.Links.GetLinks(ctx, guildID)
	if err != nil {
		return fmt.Errorf("get links: %w", err)
	}
	if len(links) == 0 {
		return ErrNoLinks
	}
	target := links[0]
	if channelID != "" {
		found := false
		for _, l := range links {
			if l.ExternalChannelID == channelID {
				target, found = l, true
				break
			}
		}
		if !found {
			return ErrNotLinked
		}
	}

	gs, err := p.d.Settings.GuildSettings(ctx, guildID)
	if err != nil {
		p.log.Warn("load guild settings failed; using defaults", logx.String("guild_id", guildID), logx.Err(err))
		gs = storage.GuildSettings{GuildID: guildID}
	}
	info, err := p.d.Fetcher.FetchLiveInfo(ctx, target.ExternalChannelID)
	if err != nil {
		p.log.Debug("test notification without live info", logx.String("channel", target.ExternalChannelID), logx.Err(err))
		info = nil
	}
	if !p.d.Queue.Enqueue(p.build(target, info, gs)) {
		return ErrRejected
	}
	p.log.Info("test notification queued", logx.String("guild_id", guildID), logx.String("channel", target.ExternalChannelID))
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
