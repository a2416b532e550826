package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boomNDS/soop-discoard-bot/internal/metrics"
	"github.com/boomNDS/soop-discoard-bot/internal/ratelimit"
	"github.com/boomNDS/soop-discoard-bot/internal/soop"
	"github.com/boomNDS/soop-discoard-bot/internal/storage"
	"github.com/boomNDS/soop-discoard-bot/internal/transport"
	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	links    []storage.Link
	rows     map[storage.PairKey]storage.LiveState
	upserts  []storage.LiveState
	settings map[string]storage.GuildSettings
	poll     map[string]string
}

func newFakeStore(links ...storage.Link) *fakeStore {
	return &fakeStore{
		links:    links,
		rows:     map[storage.PairKey]storage.LiveState{},
		settings: map[string]storage.GuildSettings{},
		poll:     map[string]string{},
	}
}

func (f *fakeStore) ListAllLinks(context.Context) ([]storage.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Link(nil), f.links...), nil
}

func (f *fakeStore) GetLinks(_ context.Context, guildID string) ([]storage.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Link
	for _, l := range f.links {
		if l.GuildID == guildID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) LoadAll(context.Context) ([]storage.LiveState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.LiveState
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) Upsert(_ context.Context, st storage.LiveState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[st.Key()] = st
	f.upserts = append(f.upserts, st)
	return nil
}

func (f *fakeStore) PruneExcept(_ context.Context, active map[storage.PairKey]struct{}) ([]storage.PairKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.PairKey
	for k := range f.rows {
		if _, ok := active[k]; !ok {
			delete(f.rows, k)
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeStore) GuildSettings(_ context.Context, guildID string) (storage.GuildSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gs, ok := f.settings[guildID]
	if !ok {
		gs.GuildID = guildID
	}
	return gs, nil
}

func (f *fakeStore) SetPollState(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poll[key] = value
	return nil
}

func (f *fakeStore) lastUpserts(n int) []storage.LiveState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.LiveState(nil), f.upserts[len(f.upserts)-n:]...)
}

// fakeFetcher returns a scripted batch per call.
type fakeFetcher struct {
	live   map[string]soop.LiveInfo
	failed map[string]error
}

func (f *fakeFetcher) FetchLive(_ context.Context, ids []string) soop.Batch {
	b := soop.Batch{Live: map[string]soop.LiveInfo{}, Failed: map[string]error{}}
	for _, id := range ids {
		if err, ok := f.failed[id]; ok {
			b.Failed[id] = err
			continue
		}
		if info, ok := f.live[id]; ok {
			b.Live[id] = info
			continue
		}
		b.Empty++
	}
	return b
}

func (f *fakeFetcher) FetchLiveInfo(_ context.Context, id string) (*soop.LiveInfo, error) {
	if info, ok := f.live[id]; ok {
		return &info, nil
	}
	return nil, nil
}

func (f *fakeFetcher) set(id string, live bool, broadcastID string) {
	if f.live == nil {
		f.live = map[string]soop.LiveInfo{}
	}
	if live {
		f.live[id] = soop.LiveInfo{ChannelID: id, BroadcastID: broadcastID, Title: "title " + broadcastID}
		return
	}
	delete(f.live, id)
}

type fakeQueue struct {
	mu     sync.Mutex
	msgs   []transport.NotifyMessage
	reject bool
}

func (q *fakeQueue) Enqueue(m transport.NotifyMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reject {
		return false
	}
	q.msgs = append(q.msgs, m)
	return true
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

type guilds map[string]string

func (g guilds) GuildName(id string) (string, bool) {
	n, ok := g[id]
	return n, ok
}

type harness struct {
	p     *Poller
	store *fakeStore
	fetch *fakeFetcher
	queue *fakeQueue
}

func newHarness(policy string, links ...storage.Link) *harness {
	h := &harness{store: newFakeStore(links...), fetch: &fakeFetcher{}, queue: &fakeQueue{}}
	clk := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.p = New(Config{Policy: policy, StreamURLBase: "https://play.example/"}, Deps{
		Links:     h.store,
		States:    h.store,
		Settings:  h.store,
		PollState: h.store,
		Fetcher:   h.fetch,
		Limiter:   ratelimit.NewGuild(),
		Queue:     h.queue,
		Guilds:    guilds{"1": "TestGuild"},
		Metrics:   metrics.New(),
		Log:       logx.Nop(),
	})
	h.p.now = func() time.Time { return clk }
	return h
}

func link(guild, channel, notify string) storage.Link {
	return storage.Link{GuildID: guild, ExternalChannelID: channel, NotifyChannelID: notify}
}

func TestShouldNotify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		policy  string
		wasLive bool
		prevID  string
		isLive  bool
		id      string
		want    bool
	}{
		{name: "offline stays offline", policy: PolicyBroadcast},
		{name: "goes live", policy: PolicyBroadcast, isLive: true, id: "1", want: true},
		{name: "goes live without id", policy: PolicySession, isLive: true, want: true},
		{name: "stays live same id", policy: PolicyBroadcast, wasLive: true, prevID: "1", isLive: true, id: "1"},
		{name: "new broadcast id", policy: PolicyBroadcast, wasLive: true, prevID: "1", isLive: true, id: "2", want: true},
		{name: "new broadcast id in session mode", policy: PolicySession, wasLive: true, prevID: "1", isLive: true, id: "2"},
		{name: "unknown id while live", policy: PolicyBroadcast, wasLive: true, prevID: "1", isLive: true},
		{name: "goes offline", policy: PolicyBroadcast, wasLive: true, prevID: "1"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shouldNotify(tt.policy, tt.wasLive, tt.prevID, tt.isLive, tt.id); got != tt.want {
				t.Fatalf("shouldNotify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransitionOnlyNotification(t *testing.T) {
	t.Parallel()
	h := newHarness(PolicyBroadcast, link("1", "streamer-1", "123"))
	ctx := context.Background()

	sequence := []bool{false, true, true, false, true}
	var notifiedAt []int
	for i, live := range sequence {
		h.fetch.set("streamer-1", live, "")
		before := h.queue.len()
		if err := h.p.PollOnce(ctx); err != nil {
			t.Fatalf("PollOnce[%d]: %v", i, err)
		}
		if h.queue.len() > before {
			notifiedAt = append(notifiedAt, i)
		}
	}
	if !reflect.DeepEqual(notifiedAt, []int{1, 4}) {
		t.Fatalf("notified at %v, want [1 4]", notifiedAt)
	}

	m := h.queue.msgs[0]
	if m.ChannelID != "123" || m.Embed == nil || m.Button == nil {
		t.Fatalf("message = %+v", m)
	}
	if m.Content != "\U0001F534 **Live Now** on SOOP: `streamer-1` https://play.example/streamer-1" {
		t.Fatalf("content = %q", m.Content)
	}
	if h.store.poll[PollStateLastPoll] == "" {
		t.Fatal("last poll time not recorded")
	}
}

func TestIdempotentPersistence(t *testing.T) {
	t.Parallel()
	h := newHarness(PolicyBroadcast, link("1", "a", "10"), link("1", "b", "11"))
	h.fetch.set("a", true, "900")
	ctx := context.Background()

	if err := h.p.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	first := h.store.lastUpserts(2)
	n := h.queue.len()
	if n != 1 {
		t.Fatalf("enqueued = %d, want 1", n)
	}
	if err := h.p.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	second := h.store.lastUpserts(2)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("upserts differ:\n%+v\n%+v", first, second)
	}
	if h.queue.len() != n {
		t.Fatal("unchanged status enqueued again")
	}
}

func TestBroadcastPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		policy string
		want   int
	}{
		{policy: PolicyBroadcast, want: 2},
		{policy: PolicySession, want: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.policy, func(t *testing.T) {
			t.Parallel()
			h := newHarness(tt.policy, link("1", "a", "10"))
			ctx := context.Background()
			for _, id := range []string{"100", "", "100", "200"} {
				h.fetch.set("a", true, id)
				if err := h.p.PollOnce(ctx); err != nil {
					t.Fatal(err)
				}
			}
			if got := h.queue.len(); got != tt.want {
				t.Fatalf("enqueued = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPruning(t *testing.T) {
	t.Parallel()
	h := newHarness(PolicyBroadcast, link("1", "a", "10"), link("1", "b", "11"))
	ctx := context.Background()
	if err := h.p.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.store.rows) != 2 {
		t.Fatalf("rows = %d", len(h.store.rows))
	}
	h.store.links = h.store.links[:1]
	if err := h.p.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.store.rows[storage.NewPairKey("1", "b")]; ok {
		t.Fatal("removed link's state was not pruned")
	}
	if _, ok := h.p.state[storage.NewPairKey("1", "b")]; ok {
		t.Fatal("removed link's state kept in memory")
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(PolicyBroadcast, link("1", "a", "10"), link("1", "b", "11"))
	one := 1
	h.store.settings["1"] = storage.GuildSettings{GuildID: "1", RateLimitPerMin: &one}
	h.fetch.set("a", true, "1")
	h.fetch.set("b", true, "2")
	if err := h.p.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.queue.len(); got != 1 {
		t.Fatalf("enqueued = %d, want 1", got)
	}
	var notified int
	for _, st := range h.store.rows {
		if !st.IsLive {
			t.Fatalf("state not live: %+v", st)
		}
		if st.LastNotifiedAt != nil {
			notified++
		}
	}
	if notified != 1 {
		t.Fatalf("rows with LastNotifiedAt = %d, want 1", notified)
	}
}

func TestFailedLookupIsNotLive(t *testing.T) {
	t.Parallel()
	h := newHarness(PolicyBroadcast, link("1", "a", "10"))
	ctx := context.Background()
	key := storage.NewPairKey("1", "a")
	h.fetch.set("a", true, "5")
	if err := h.p.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	h.fetch.failed = map[string]error{"a": &soop.TransientError{Status: 500}}
	if err := h.p.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	st := h.store.rows[key]
	if st.IsLive || st.BroadcastID != "" {
		t.Fatalf("state after failed lookup = %+v", st)
	}
	if st.LastNotifiedAt == nil {
		t.Fatal("LastNotifiedAt lost on failed lookup")
	}
	h.fetch.failed = nil
	if err := h.p.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.queue.len(); got != 2 {
		t.Fatalf("enqueued = %d, want 2", got)
	}
	if st := h.store.rows[key]; !st.IsLive || st.BroadcastID != "5" {
		t.Fatalf("state after recovery = %+v", st)
	}
}

func TestRetryCeilingMarksOffline(t *testing.T) {
	t.Parallel()
	var (
		failing atomic.Bool
		hits    atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			hits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"broadNo":5,"broadTitle":"on air"}`)
	}))
	t.Cleanup(srv.Close)

	client := soop.New(soop.Config{
		ChannelAPIBaseURL: srv.URL,
		RetryMax:          3,
		RetryBackoff:      time.Millisecond,
		RequestTimeout:    2 * time.Second,
	}, logx.Nop(), metrics.New())

	h := newHarness(PolicyBroadcast, link("1", "a", "10"))
	h.p.d.Fetcher = client
	ctx := context.Background()
	key := storage.NewPairKey("1", "a")

	if err := h.p.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if st := h.store.rows[key]; !st.IsLive || st.BroadcastID != "5" {
		t.Fatalf("first cycle state = %+v", st)
	}

	failing.Store(true)
	if err := h.p.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if st := h.store.rows[key]; st.IsLive {
		t.Fatalf("state after exhausted retries = %+v", st)
	}

	failing.Store(false)
	if err := h.p.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.queue.len(); got != 2 {
		t.Fatalf("enqueued = %d, want 2", got)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(PolicyBroadcast, link("1", "a", "10"))
	h.fetch.set("a", true, "5")
	if err := h.p.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	restarted := newHarness(PolicyBroadcast, link("1", "a", "10"))
	restarted.store.rows = h.store.rows
	restarted.fetch = h.fetch
	restarted.p.d.Fetcher = h.fetch
	if err := restarted.p.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if restarted.queue.len() != 0 {
		t.Fatal("restart re-notified an ongoing broadcast")
	}
}

func TestRenderUsesSettings(t *testing.T) {
	t.Parallel()
	tmpl := "Custom {soop_channel_id} in {guild} at {notify_channel} {soop_url}"
	l := link("1", "streamer-1", "123")
	l.MessageTemplate = &tmpl
	h := newHarness(PolicyBroadcast, l)
	title, color := "{guild} live", "#00ff00"
	h.store.settings["1"] = storage.GuildSettings{
		GuildID: "1",
		Mention: storage.MentionConfig{Type: storage.MentionRole, Value: "77"},
		Embed:   storage.EmbedOverrides{Title: &title, Color: &color},
	}
	h.fetch.set("streamer-1", true, "1")
	if err := h.p.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	m := h.queue.msgs[0]
	want := "<@&77> Custom streamer-1 in TestGuild at <#123> https://play.example/streamer-1"
	if m.Content != want {
		t.Fatalf("content = %q, want %q", m.Content, want)
	}
	if m.Embed.Title != "TestGuild live" || m.Embed.Color != 0x00FF00 || m.Embed.Description != "title 1" {
		t.Fatalf("embed = %+v", m.Embed)
	}
}

func TestSendTest(t *testing.T) {
	t.Parallel()
	h := newHarness(PolicyBroadcast, link("1", "a", "10"), link("1", "b", "11"))
	ctx := context.Background()

	if err := h.p.SendTest(ctx, "2", ""); !errors.Is(err, ErrNoLinks) {
		t.Fatalf("no links: %v", err)
	}
	if err := h.p.SendTest(ctx, "1", "zzz"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("not linked: %v", err)
	}
	if err := h.p.SendTest(ctx, "1", "b"); err != nil {
		t.Fatalf("SendTest: %v", err)
	}
	if h.queue.len() != 1 || h.queue.msgs[0].ChannelID != "11" {
		t.Fatalf("queued = %+v", h.queue.msgs)
	}
	h.queue.reject = true
	if err := h.p.SendTest(ctx, "1", ""); !errors.Is(err, ErrRejected) {
		t.Fatalf("rejected: %v", err)
	}
}

func TestRunSurvivesPanics(t *testing.T) {
	t.Parallel()
	h := newHarness(PolicyBroadcast, link("1", "a", "10"))
	h.p.d.Links = panicLinks{}
	h.p.SetInterval(time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.p.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v", err)
	}
}

type panicLinks struct{}

func (panicLinks) ListAllLinks(context.Context) ([]storage.Link, error) { panic("boom") }
func (panicLinks) GetLinks(context.Context, string) ([]storage.Link, error) {
	return nil, nil
}
