package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAllowUnlimited(t *testing.T) {
	t.Parallel()
	g := NewGuild()
	for i := 0; i < 100; i++ {
		if !g.Allow("g", 0) || !g.Allow("g", -1) {
			t.Fatal("limit <= 0 must always allow")
		}
	}
	if len(g.events) != 0 {
		t.Fatal("unlimited calls must not record events")
	}
}

func TestAllowSlidingWindow(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGuildWithClock(clk.now)

	if !g.Allow("g1", 2) || !g.Allow("g1", 2) {
		t.Fatal("first two events should be admitted")
	}
	if g.Allow("g1", 2) {
		t.Fatal("third event within a minute should be rejected")
	}
	if !g.Allow("g2", 2) {
		t.Fatal("guilds are independent")
	}

	// Exactly 60s later the first events are still in the window.
	clk.advance(time.Minute)
	if g.Allow("g1", 2) {
		t.Fatal("event at exactly 60s should still count")
	}
	clk.advance(time.Millisecond)
	if !g.Allow("g1", 2) {
		t.Fatal("events older than 60s should be evicted")
	}
}

func TestAllowOnePerMinute(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g := NewGuildWithClock(clk.now)
	admitted := 0
	for i := 0; i < 2; i++ {
		if g.Allow("g", 1) {
			admitted++
		}
		clk.advance(5 * time.Second)
	}
	if admitted != 1 {
		t.Fatalf("admitted = %d, want 1", admitted)
	}
}

func TestForget(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(0, 0)}
	g := NewGuildWithClock(clk.now)
	g.Allow("old", 5)
	clk.advance(2 * time.Minute)
	g.Allow("new", 5)
	if n := g.Forget(); n != 1 {
		t.Fatalf("Forget = %d, want 1", n)
	}
	if _, ok := g.events["new"]; !ok {
		t.Fatal("active guild was forgotten")
	}
}
