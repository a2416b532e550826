package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/boomNDS/soop-discoard-bot/internal/transport"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	got  chan struct{}
}

func (r *recordingSender) SendText(_ context.Context, _ transport.ChatTarget, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "poller"))
	log.Debug("hidden")
	log.Info("poll done", Int("live", 3), Err(errors.New("boom")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["comp"] != "poller" || rec["live"] != float64(3) || rec["err"] != "boom" || rec["message"] != "poll done" {
		t.Fatalf("record = %v", rec)
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	l.Warn("dropped", String("k", "v"))
	Nop().Error("dropped")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"Warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatForward(t *testing.T) {
	t.Parallel()
	got := formatForward([]byte(`{"level":"warn","time":"x","message":"send failed","channel":"42","attempts":3}`))
	want := "[WARN] send failed\n- attempts=3\n- channel=42"
	if got != want {
		t.Fatalf("formatForward = %q, want %q", got, want)
	}
	if got := formatForward([]byte("not json\n")); got != "not json" {
		t.Fatalf("raw = %q", got)
	}
	long := formatForward([]byte(`{"message":"` + strings.Repeat("x", 5000) + `"}`))
	if len(long) != forwardMaxLen || !strings.HasSuffix(long, "...") {
		t.Fatalf("len = %d", len(long))
	}
}

func TestForwarderFiltersAndDelivers(t *testing.T) {
	t.Parallel()
	rs := &recordingSender{got: make(chan struct{}, 4)}
	f := newForwarder(rs, 4)
	f.configure(ForwardConfig{Enabled: true, ChatID: 7, RatePerSec: 100})
	defer f.close()

	_, _ = f.WriteLevel(zerolog.InfoLevel, []byte(`{"level":"info","message":"quiet"}`))
	_, _ = f.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"loud"}`))

	select {
	case <-rs.got:
	case <-time.After(2 * time.Second):
		t.Fatal("nothing forwarded")
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.sent) != 1 || rs.sent[0] != "[ERROR] loud" {
		t.Fatalf("sent = %q", rs.sent)
	}
}

func TestForwarderNeedsChat(t *testing.T) {
	t.Parallel()
	f := newForwarder(&recordingSender{got: make(chan struct{}, 1)}, 1)
	f.configure(ForwardConfig{MinLevel: "debug"})
	_, _ = f.WriteLevel(zerolog.ErrorLevel, []byte(`{"message":"x"}`))
	if len(f.queue) != 0 {
		t.Fatal("queued without a chat id")
	}
	f.close()
}

func TestServiceApplySwapsLevel(t *testing.T) {
	t.Parallel()
	s, log := New(Config{Level: "error"}, nil)
	defer s.Close()
	if lvl := s.current().GetLevel(); lvl != zerolog.ErrorLevel {
		t.Fatalf("level = %v", lvl)
	}
	s.Apply(Config{Level: "debug"})
	if lvl := log.zl().GetLevel(); lvl != zerolog.DebugLevel {
		t.Fatalf("level after Apply = %v", lvl)
	}
}
