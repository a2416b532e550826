package metrics

import (
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.RecordSent()
	m.RecordPoll(time.Second, 3)
	m.SetQueueSize(4)
	if s := m.Snapshot(); s != (Snapshot{}) {
		t.Fatalf("nil snapshot = %+v", s)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	m := New()
	m.RecordSent()
	m.RecordSent()
	m.RecordFailed()
	m.RecordDropped()
	m.RecordAPIError()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordLiveDetected(2)
	m.RecordEmptyResponses(3)
	m.RecordEmptyResponses(0)
	m.RecordPoll(150*time.Millisecond, 5)
	m.SetQueueSize(7)

	s := m.Snapshot()
	if s.MessagesSent != 2 || s.MessagesFailed != 1 || s.MessagesDropped != 1 {
		t.Fatalf("message counters = %+v", s)
	}
	if s.APIErrors != 1 || s.CacheHits != 1 || s.CacheMisses != 1 {
		t.Fatalf("api/cache counters = %+v", s)
	}
	if s.LiveDetected != 2 || s.EmptyResponses != 3 || s.LastEmptyCount != 0 {
		t.Fatalf("poll counters = %+v", s)
	}
	if s.PollCount != 1 || s.LastPollDuration != 150*time.Millisecond || s.LastLiveCount != 5 || s.LastPollAt == nil {
		t.Fatalf("poll stats = %+v", s)
	}
	if s.QueueSize != 7 {
		t.Fatalf("queue size = %d", s.QueueSize)
	}
}
