// Package ratelimit caps notifications per guild over a sliding minute.
package ratelimit

import (
	"sync"
	"time"
)

const Window = time.Minute

// Guild is a per-guild sliding-window limiter. Windows live in memory only.
type Guild struct {
	mu     sync.Mutex
	now    func() time.Time
	events map[string][]time.Time
}

func NewGuild() *Guild {
	return &Guild{now: time.Now, events: map[string][]time.Time{}}
}

// NewGuildWithClock is NewGuild with an injected clock.
func NewGuildWithClock(now func() time.Time) *Guild {
	g := NewGuild()
	if now != nil {
		g.now = now
	}
	return g
}

// Allow admits and records one event for guildID when fewer than limitPerMinute
// events happened in the last minute. A limit <= 0 always allows and records nothing.
func (g *Guild) Allow(guildID string, limitPerMinute int) bool {
	if limitPerMinute <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	q := g.events[guildID]
	i := 0
	for i < len(q) && now.Sub(q[i]) > Window {
		i++
	}
	q = q[i:]
	if len(q) >= limitPerMinute {
		g.events[guildID] = q
		return false
	}
	g.events[guildID] = append(q, now)
	return true
}

// Forget drops guilds whose window is empty. The scheduler calls it so long-idle
// guilds don't keep slices around.
func (g *Guild) Forget() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for id, q := range g.events {
		if len(q) == 0 || now.Sub(q[len(q)-1]) > Window {
			delete(g.events, id)
			n++
		}
	}
	return n
}
