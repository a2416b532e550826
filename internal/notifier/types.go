package notifier

import (
	"fmt"
	"time"
)

// Config controls queue capacity, pacing and retry of outbound messages.
type Config struct {
	QueueSize       int
	RatePerSec      float64
	BurstRatePerSec float64
	BurstThreshold  int
	RetryMax        int
	RetryBase       time.Duration
}

const (
	defaultQueueSize      = 1000
	defaultRatePerSec     = 2
	defaultBurstRate      = 10
	defaultBurstThreshold = 25
	defaultRetryMax       = 3
	defaultRetryBase      = 500 * time.Millisecond

	minRate = 0.1
)

// DeliveryError is returned by a send that used up its attempts.
type DeliveryError struct {
	ChannelID string
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s failed after %d attempt(s): %v", e.ChannelID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
