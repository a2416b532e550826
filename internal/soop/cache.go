package soop

import (
	"sync"
	"time"
)

// infoCache holds the last successful LiveInfo per channel for a cooldown window.
// A zero cooldown disables it.
type infoCache struct {
	cooldown time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	info LiveInfo
	at   time.Time
}

func newInfoCache(cooldown time.Duration) *infoCache {
	return &infoCache{cooldown: cooldown, entries: map[string]cacheEntry{}}
}

func (c *infoCache) get(id string, now time.Time) (LiveInfo, bool) {
	if c.cooldown <= 0 {
		return LiveInfo{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || now.Sub(e.at) >= c.cooldown {
		return LiveInfo{}, false
	}
	return e.info, true
}

func (c *infoCache) put(id string, info LiveInfo, now time.Time) {
	if c.cooldown <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[id] = cacheEntry{info: info, at: now}
	c.mu.Unlock()
}

func (c *infoCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if now.Sub(e.at) >= c.cooldown {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

func (c *infoCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
