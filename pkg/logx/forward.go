package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/boomNDS/soop-discoard-bot/internal/transport"
)

const (
	forwardMaxLen   = 3500
	forwardFieldLen = 600
	forwardTimeout  = 10 * time.Second
)

type forwardItem struct {
	to   transport.ChatTarget
	text string
}

// forwarder is a zerolog.LevelWriter that copies records to an operator chat.
// Writes never block: records over the rate or past a full queue are dropped.
type forwarder struct {
	sender transport.TextSender
	queue  chan forwardItem

	mu       sync.Mutex
	to       transport.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newForwarder(sender transport.TextSender, size int) *forwarder {
	return &forwarder{
		sender:   sender,
		queue:    make(chan forwardItem, size),
		minLevel: zerolog.WarnLevel,
		done:     make(chan struct{}),
	}
}

func (f *forwarder) configure(cfg ForwardConfig) {
	rps := max(cfg.RatePerSec, 1)
	f.mu.Lock()
	f.to = transport.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	f.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	f.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	f.mu.Unlock()

	if cfg.Enabled {
		f.startOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			f.cancel = cancel
			go f.run(ctx)
		})
	}
}

func (f *forwarder) run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-f.queue:
			sctx, cancel := context.WithTimeout(ctx, forwardTimeout)
			_ = f.sender.SendText(sctx, it.to, it.text)
			cancel()
		}
	}
}

func (f *forwarder) close() {
	f.closeOnce.Do(func() {
		f.startOnce.Do(func() {}) // no worker may start after close
		if f.cancel != nil {
			f.cancel()
			<-f.done
		}
	})
}

func (f *forwarder) Write(p []byte) (int, error) { return f.WriteLevel(zerolog.NoLevel, p) }

func (f *forwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	f.mu.Lock()
	to, minLevel, lim := f.to, f.minLevel, f.limiter
	f.mu.Unlock()

	if to.ChatID == 0 || level == zerolog.NoLevel || level < minLevel {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		return len(p), nil
	}
	if text := formatForward(p); text != "" {
		select {
		case f.queue <- forwardItem{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatForward turns a JSON record into "[LEVEL] message" followed by one
// "- key=value" line per field, keys sorted.
func formatForward(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), forwardMaxLen)
	}
	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.MessageFieldName)
	delete(rec, zerolog.TimestampFieldName)
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), forwardFieldLen))
	}
	return clip(b.String(), forwardMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
