package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 10m", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:2h", kind: SpecInterval, source: "duration", duration: 2 * time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got %+v", got)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "not-a-schedule", "00:00", "-5m", "61 * * * *", "00:75"} {
		if err := Validate(bad); err == nil {
			t.Fatalf("Validate(%q) = nil, want error", bad)
		}
	}
	for _, ok := range []string{"@every 15m", "*/10 * * * *", "0 */5 * * * *", "15m"} {
		if err := Validate(ok); err != nil {
			t.Fatalf("Validate(%q) = %v", ok, err)
		}
	}
}

func TestAddReplacesByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }
	if err := s.Add("a", "@every 1h", 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("a", "5m", 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("b", "bogus", 0, noop); err == nil {
		t.Fatal("invalid spec accepted")
	}
	got := s.Schedules()
	if len(got) != 1 || got[0].Spec != "5m" {
		t.Fatalf("schedules = %+v", got)
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatal("Remove should succeed exactly once")
	}
}

func TestRunNowRecordsStats(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	var calls atomic.Int32
	boom := errors.New("boom")
	_ = s.Add("job", "@every 1h", time.Second, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context has no deadline")
		}
		if calls.Add(1) == 2 {
			return boom
		}
		return nil
	})
	ctx := context.Background()
	if err := s.RunNow(ctx, "job"); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(ctx, "job"); !errors.Is(err, boom) {
		t.Fatalf("second run = %v", err)
	}
	if err := s.RunNow(ctx, "missing"); err == nil {
		t.Fatal("missing job should error")
	}
	info := s.Schedules()[0]
	if info.Runs != 2 || info.Failures != 1 || info.LastErr != "boom" {
		t.Fatalf("info = %+v", info)
	}
}

func TestStartTriggersCronJobs(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	fired := make(chan struct{}, 1)
	_ = s.Add("tick", "* * * * * *", time.Second, func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
	if info := s.Schedules()[0]; info.Next.IsZero() {
		t.Fatalf("next run unknown: %+v", info)
	}
}

func TestStartupSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := withStartupSpread(time.Minute, now, "x")
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter = %v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
}
