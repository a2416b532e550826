// Package soop is the live-status client for the SOOP streaming platform.
package soop

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/boomNDS/soop-discoard-bot/internal/metrics"
	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

const (
	ModeChannel = "channel"
	ModeList    = "list"

	maxBodyBytes = 2 << 20
)

// LiveInfo is the broadcast metadata of a live channel.
type LiveInfo struct {
	ChannelID    string
	BroadcastID  string // "" when unknown
	Title        string
	Category     string
	Viewers      *int
	ThumbnailURL string
	FetchedAt    time.Time
}

type Config struct {
	LookupMode           string
	ChannelAPIBaseURL    string
	ListAPIBaseURL       string
	ClientID             string
	HardcodeStreamerID   string
	ThumbnailURLTemplate string
	Headers              map[string]string

	MaxPages       int
	RetryMax       int
	RetryBackoff   time.Duration
	InfoCooldown   time.Duration
	RequestTimeout time.Duration
	RatePerSec     float64 // 0 = unlimited
	Concurrency    int
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	cache *infoCache
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics, opts ...Option) *Client {
	cfg.ChannelAPIBaseURL = strings.TrimRight(cfg.ChannelAPIBaseURL, "/")
	cfg.ListAPIBaseURL = strings.TrimRight(cfg.ListAPIBaseURL, "/")
	if cfg.LookupMode == "" {
		cfg.LookupMode = ModeChannel
	}
	if cfg.RetryMax < 1 {
		cfg.RetryMax = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		log:     log.With(logx.String("comp", "soop")),
		metrics: m,
		now:     time.Now,
		cache:   newInfoCache(cfg.InfoCooldown),
	}
	if cfg.RatePerSec > 0 {
		burst := max(int(cfg.RatePerSec), 1)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ThumbnailURL fills the configured template with broadcastID. "" when unknown.
func (c *Client) ThumbnailURL(broadcastID string) string {
	if broadcastID == "" || c.cfg.ThumbnailURLTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(c.cfg.ThumbnailURLTemplate, "{broad_no}", broadcastID)
}

// SweepCache drops cache entries older than the cooldown and returns how many were removed.
func (c *Client) SweepCache(now time.Time) int { return c.cache.sweep(now) }

// FetchLiveInfo returns the broadcast of channelID, or nil when it is not live.
// Errors are *TransientError (after retries) or *PermanentError.
func (c *Client) FetchLiveInfo(ctx context.Context, channelID string) (*LiveInfo, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, nil
	}
	now := c.now()
	if info, ok := c.cache.get(channelID, now); ok {
		c.metrics.RecordCacheHit()
		return &info, nil
	}
	c.metrics.RecordCacheMiss()

	u := c.cfg.ChannelAPIBaseURL + "/v1.1/channel/" + url.PathEscape(channelID) + "/home/section/broad"
	status, body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		c.log.Warn("soop channel not found", logx.String("channel", channelID))
		return nil, nil
	case status == http.StatusNoContent:
		return nil, nil
	case status >= 400:
		return nil, &PermanentError{Status: status}
	}

	info, err := parseChannelInfo(channelID, body)
	if err != nil {
		c.log.Warn("soop payload ignored", logx.String("channel", channelID), logx.Err(err))
		return nil, nil
	}
	if info == nil {
		return nil, nil
	}
	info.FetchedAt = now
	info.ThumbnailURL = c.ThumbnailURL(info.BroadcastID)
	c.cache.put(channelID, *info, now)
	return info, nil
}

// Batch is the result of one FetchLive call.
type Batch struct {
	Live   map[string]LiveInfo
	Failed map[string]error
	Empty  int
}

// IsLive reports whether id was found live in this batch.
func (b Batch) IsLive(id string) bool {
	_, ok := b.Live[id]
	return ok
}

// FetchLive looks up every id. Lookups fail independently: an error is recorded
// in Failed and the id is not live.
func (c *Client) FetchLive(ctx context.Context, ids []string) Batch {
	targets := uniq(ids)
	b := Batch{Live: map[string]LiveInfo{}, Failed: map[string]error{}}
	if len(targets) == 0 {
		return b
	}
	if c.cfg.LookupMode == ModeList {
		c.fetchViaList(ctx, targets, &b)
		return b
	}
	c.fetchEach(ctx, targets, &b, false)
	return b
}

// FetchLiveUserIDs is the set view of FetchLive.
func (c *Client) FetchLiveUserIDs(ctx context.Context, ids []string) map[string]struct{} {
	b := c.FetchLive(ctx, ids)
	out := make(map[string]struct{}, len(b.Live))
	for id := range b.Live {
		out[id] = struct{}{}
	}
	return out
}

// fetchEach runs per-channel lookups into b. With enrich set, the caller
// already knows the channels are live, so a failure is logged at debug and
// not counted as an API error.
func (c *Client) fetchEach(ctx context.Context, ids []string, b *Batch, enrich bool) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			info, err := c.FetchLiveInfo(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && enrich:
				c.log.Debug("soop enrichment failed; using listing data", logx.String("channel", id), logx.Err(err))
				b.Failed[id] = err
			case err != nil:
				c.metrics.RecordAPIError()
				c.log.Warn("soop lookup failed", logx.String("channel", id), logx.Err(err))
				b.Failed[id] = err
			case info == nil:
				b.Empty++
			default:
				b.Live[id] = *info
			}
			return nil
		})
	}
	_ = g.Wait()
}

// fetchViaList pages the legacy listing. Live hits are enriched through the
// per-channel API when possible.
func (c *Client) fetchViaList(ctx context.Context, ids []string, b *Batch) {
	targets := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		targets[id] = struct{}{}
	}
	if hc := c.cfg.HardcodeStreamerID; hc != "" {
		if _, ok := targets[hc]; ok {
			c.fetchEach(ctx, []string{hc}, b, false)
			delete(targets, hc)
		}
	}
	if len(targets) == 0 {
		return
	}

	found := map[string]listItem{}
	for page := 1; page <= c.cfg.MaxPages; page++ {
		p, err := c.fetchListPage(ctx, page)
		if err != nil {
			c.metrics.RecordAPIError()
			c.log.Warn("soop listing failed", logx.Int("page", page), logx.Err(err))
			for id := range targets {
				if _, ok := found[id]; !ok {
					b.Failed[id] = err
				}
			}
			break
		}
		if len(p.Items) == 0 {
			break
		}
		for _, it := range p.Items {
			if _, ok := targets[it.UserID]; ok {
				found[it.UserID] = it
			}
		}
		if len(found) == len(targets) {
			break
		}
		if p.TotalCnt > 0 && p.PageBlock > 0 && page*p.PageBlock >= p.TotalCnt {
			break
		}
	}

	live := make([]string, 0, len(found))
	for id := range found {
		live = append(live, id)
	}
	sort.Strings(live)
	enriched := Batch{Live: map[string]LiveInfo{}, Failed: map[string]error{}}
	c.fetchEach(ctx, live, &enriched, true)
	for _, id := range live {
		if info, ok := enriched.Live[id]; ok {
			b.Live[id] = info
			continue
		}
		it := found[id]
		b.Live[id] = LiveInfo{
			ChannelID:    id,
			BroadcastID:  it.BroadNo,
			Title:        it.BroadTitle,
			ThumbnailURL: c.ThumbnailURL(it.BroadNo),
			FetchedAt:    c.now(),
		}
	}
	for id := range targets {
		_, live := found[id]
		_, failed := b.Failed[id]
		if !live && !failed {
			b.Empty++
		}
	}
}

func (c *Client) fetchListPage(ctx context.Context, page int) (listPage, error) {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("page_no", strconv.Itoa(page))
	status, body, err := c.get(ctx, c.cfg.ListAPIBaseURL+"/broad/list?"+q.Encode())
	if err != nil {
		return listPage{}, err
	}
	if status >= 400 {
		return listPage{}, &PermanentError{Status: status}
	}
	p, err := parseListPage(body)
	if err != nil {
		c.log.Warn("soop listing payload ignored", logx.Int("page", page), logx.Err(err))
		return listPage{}, nil
	}
	return p, nil
}

// get performs a GET with retry on transient failures. A 4xx status is returned
// to the caller without an error.
func (c *Client) get(ctx context.Context, rawURL string) (int, []byte, error) {
	var (
		status int
		body   []byte
	)
	err := retry.Do(
		func() error {
			var err error
			status, body, err = c.once(ctx, rawURL)
			return err
		},
		retry.Attempts(uint(c.cfg.RetryMax)),
		retry.Delay(c.cfg.RetryBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(IsTransient),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("soop request retry", logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !IsTransient(err) {
			return 0, nil, &TransientError{Err: ctxErr}
		}
		return 0, nil, err
	}
	return status, body, nil
}

func (c *Client) once(ctx context.Context, rawURL string) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, &TransientError{Err: err}
		}
	}
	actx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return 0, nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return resp.StatusCode, nil, &TransientError{Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, &TransientError{Err: fmt.Errorf("read body: %w", err)}
	}
	return resp.StatusCode, body, nil
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
