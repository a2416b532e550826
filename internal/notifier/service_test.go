package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/boomNDS/soop-discoard-bot/internal/metrics"
	"github.com/boomNDS/soop-discoard-bot/internal/transport"
	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int // fail this many calls before succeeding
	err   error
	sent  []transport.NotifyMessage
	calls int
}

func (f *fakeSender) Send(_ context.Context, msg transport.NotifyMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		if f.err != nil {
			return f.err
		}
		return errors.New("boom")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) count() (calls, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, len(f.sent)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func msg(ch string) transport.NotifyMessage {
	return transport.NotifyMessage{ChannelID: ch, Content: "live " + ch}
}

func TestEnqueueBackpressure(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	s := New(Config{QueueSize: 2}, &fakeSender{}, logx.Nop(), m)

	done := make(chan []bool)
	go func() {
		done <- []bool{s.Enqueue(msg("a")), s.Enqueue(msg("b")), s.Enqueue(msg("c"))}
	}()
	var got []bool
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	if !got[0] || !got[1] || got[2] {
		t.Fatalf("accepted = %v, want [true true false]", got)
	}
	if s.Len() != 2 || s.Cap() != 2 {
		t.Fatalf("len/cap = %d/%d", s.Len(), s.Cap())
	}
	first := <-s.queue
	if first.ChannelID != "a" {
		t.Fatalf("oldest message was dropped instead of newest: %+v", first)
	}
	snap := m.Snapshot()
	if snap.MessagesDropped != 1 {
		t.Fatalf("dropped = %d, want 1", snap.MessagesDropped)
	}
}

func TestSubmitRejectsEmpty(t *testing.T) {
	t.Parallel()
	s := New(Config{QueueSize: 1}, &fakeSender{}, logx.Nop(), nil)
	if err := s.Submit(transport.NotifyMessage{ChannelID: "x"}); !errors.Is(err, ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
	if s.Enqueue(transport.NotifyMessage{ChannelID: "x"}) {
		t.Fatal("empty message accepted")
	}
	embedOnly := transport.NotifyMessage{ChannelID: "x", Embed: &transport.Embed{Title: "t"}}
	if !s.Enqueue(embedOnly) {
		t.Fatal("embed-only message rejected")
	}
}

func TestSendWithRetry(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		fails      int
		err        error
		wantCalls  int
		wantErr    bool
		wantSleeps []time.Duration
	}{
		{name: "first try", fails: 0, wantCalls: 1},
		{name: "recovers", fails: 2, wantCalls: 3, wantSleeps: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}},
		{name: "exhausted", fails: 5, wantCalls: 3, wantErr: true, wantSleeps: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}},
		{name: "undeliverable", fails: 5, err: fmt.Errorf("403: %w", transport.ErrUndeliverable), wantCalls: 1, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := metrics.New()
			fs := &fakeSender{fails: tt.fails, err: tt.err}
			rec := &sleepRecorder{}
			s := New(Config{RetryMax: 3, RetryBase: 100 * time.Millisecond}, fs, logx.Nop(), m)
			s.sleep = rec.sleep

			err := s.sendWithRetry(context.Background(), msg("c1"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var de *DeliveryError
				if !errors.As(err, &de) || de.ChannelID != "c1" || de.Attempts != tt.wantCalls {
					t.Fatalf("err = %#v", err)
				}
			}
			if calls, _ := fs.count(); calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if fmt.Sprint(rec.delays) != fmt.Sprint(tt.wantSleeps) {
				t.Fatalf("sleeps = %v, want %v", rec.delays, tt.wantSleeps)
			}
			snap := m.Snapshot()
			wantFailed := uint64(min(tt.fails, tt.wantCalls))
			if snap.MessagesFailed != wantFailed {
				t.Fatalf("failed = %d, want %d", snap.MessagesFailed, wantFailed)
			}
		})
	}
}

func TestPace(t *testing.T) {
	t.Parallel()
	s := New(Config{RatePerSec: 2, BurstRatePerSec: 10, BurstThreshold: 3}, &fakeSender{}, logx.Nop(), nil)
	if d := s.pace(2); d != 500*time.Millisecond {
		t.Fatalf("base delay = %v", d)
	}
	if d := s.pace(3); d != 100*time.Millisecond {
		t.Fatalf("burst delay = %v", d)
	}
	s.Apply(Config{RatePerSec: 0.01, BurstRatePerSec: 10, BurstThreshold: 3, QueueSize: 99})
	if d := s.pace(0); d != 10*time.Second {
		t.Fatalf("floored delay = %v, want 10s", d)
	}
	if s.Cap() != defaultQueueSize {
		t.Fatalf("Apply must not resize the queue, cap = %d", s.Cap())
	}
}

func TestWorkerDrainsOnStop(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(Config{QueueSize: 10, RatePerSec: 1000, BurstRatePerSec: 1000}, fs, logx.Nop(), metrics.New())
	for i := 0; i < 5; i++ {
		if !s.Enqueue(msg(fmt.Sprintf("c%d", i))) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	s.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, sent := fs.count(); sent != 5 {
		t.Fatalf("sent = %d, want 5", sent)
	}
	if s.Enqueue(msg("late")) {
		t.Fatal("Enqueue accepted after Stop")
	}
	if err := s.Submit(msg("late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop = %v", err)
	}
}
