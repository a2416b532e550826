// Package metrics keeps the process counters reported by /metrics and the
// periodic metrics.report job. All methods are safe on a nil *Metrics.
package metrics

import (
	"sync/atomic"
	"time"
)

type Metrics struct {
	messagesSent    atomic.Uint64
	messagesFailed  atomic.Uint64
	messagesDropped atomic.Uint64
	apiErrors       atomic.Uint64
	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	pollCount       atomic.Uint64
	liveDetected    atomic.Uint64
	emptyResponses  atomic.Uint64

	lastPollDuration atomic.Int64 // ns
	lastPollAt       atomic.Int64 // unix ns
	lastLiveCount    atomic.Int64
	lastEmptyCount   atomic.Int64
	queueSize        atomic.Int64
}

func New() *Metrics { return &Metrics{} }

type Snapshot struct {
	MessagesSent     uint64        `json:"messages_sent"`
	MessagesFailed   uint64        `json:"messages_failed"`
	MessagesDropped  uint64        `json:"messages_dropped"`
	APIErrors        uint64        `json:"api_errors"`
	CacheHits        uint64        `json:"cache_hits"`
	CacheMisses      uint64        `json:"cache_misses"`
	PollCount        uint64        `json:"poll_count"`
	LiveDetected     uint64        `json:"live_detected"`
	EmptyResponses   uint64        `json:"empty_responses"`
	LastPollDuration time.Duration `json:"last_poll_duration_ns"`
	LastPollAt       *time.Time    `json:"last_poll_at,omitempty"`
	LastLiveCount    int64         `json:"last_live_count"`
	LastEmptyCount   int64         `json:"last_empty_count"`
	QueueSize        int64         `json:"queue_size"`
}

func (m *Metrics) RecordSent() {
	if m != nil {
		m.messagesSent.Add(1)
	}
}

func (m *Metrics) RecordFailed() {
	if m != nil {
		m.messagesFailed.Add(1)
	}
}

func (m *Metrics) RecordDropped() {
	if m != nil {
		m.messagesDropped.Add(1)
	}
}

func (m *Metrics) RecordAPIError() {
	if m != nil {
		m.apiErrors.Add(1)
	}
}

func (m *Metrics) RecordCacheHit() {
	if m != nil {
		m.cacheHits.Add(1)
	}
}

func (m *Metrics) RecordCacheMiss() {
	if m != nil {
		m.cacheMisses.Add(1)
	}
}

func (m *Metrics) RecordLiveDetected(n int) {
	if m != nil && n > 0 {
		m.liveDetected.Add(uint64(n))
	}
}

// RecordEmptyResponses counts lookups that came back absent during the last cycle.
func (m *Metrics) RecordEmptyResponses(n int) {
	if m == nil {
		return
	}
	if n > 0 {
		m.emptyResponses.Add(uint64(n))
	}
	m.lastEmptyCount.Store(int64(n))
}

// RecordPoll marks the end of one poll cycle.
func (m *Metrics) RecordPoll(d time.Duration, liveCount int) {
	if m == nil {
		return
	}
	m.pollCount.Add(1)
	m.lastPollDuration.Store(int64(d))
	m.lastPollAt.Store(time.Now().UnixNano())
	m.lastLiveCount.Store(int64(liveCount))
}

func (m *Metrics) SetQueueSize(n int) {
	if m != nil {
		m.queueSize.Store(int64(n))
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	s := Snapshot{
		MessagesSent:     m.messagesSent.Load(),
		MessagesFailed:   m.messagesFailed.Load(),
		MessagesDropped:  m.messagesDropped.Load(),
		APIErrors:        m.apiErrors.Load(),
		CacheHits:        m.cacheHits.Load(),
		CacheMisses:      m.cacheMisses.Load(),
		PollCount:        m.pollCount.Load(),
		LiveDetected:     m.liveDetected.Load(),
		EmptyResponses:   m.emptyResponses.Load(),
		LastPollDuration: time.Duration(m.lastPollDuration.Load()),
		LastLiveCount:    m.lastLiveCount.Load(),
		LastEmptyCount:   m.lastEmptyCount.Load(),
		QueueSize:        m.queueSize.Load(),
	}
	if ns := m.lastPollAt.Load(); ns > 0 {
		t := time.Unix(0, ns)
		s.LastPollAt = &t
	}
	return s
}
