package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boomNDS/soop-discoard-bot/internal/metrics"
	rtsup "github.com/boomNDS/soop-discoard-bot/internal/runtime/supervisor"
	"github.com/boomNDS/soop-discoard-bot/internal/transport"
	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrEmpty     = errors.New("notifier: message has no content")
)

const sendTimeout = 10 * time.Second

// Service owns the delivery queue and its worker. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sender  transport.Sender
	metrics *metrics.Metrics

	cfg Config

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan transport.NotifyMessage
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, sender transport.Sender, log logx.Logger, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:       log,
		sender:    sender,
		metrics:   m,
		accepting: true,
		sleep:     sleepCtx,
	}
	s.applyLocked(cfg)
	s.queue = make(chan transport.NotifyMessage, s.cfg.QueueSize)
	return s
}

// Apply hot-reloads pacing and retry. QueueSize only takes effect on restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := s.cfg.QueueSize
	s.applyLocked(cfg)
	if s.queue != nil {
		s.cfg.QueueSize = size
	}
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.BurstRatePerSec <= 0 {
		cfg.BurstRatePerSec = defaultBurstRate
	}
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = defaultBurstThreshold
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	s.cfg = cfg
}

func (s *Service) snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Len() int { return len(s.queue) }
func (s *Service) Cap() int { return cap(s.queue) }

// Enqueue offers msg without blocking and reports whether it was accepted.
func (s *Service) Enqueue(msg transport.NotifyMessage) bool {
	err := s.Submit(msg)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrQueueFull):
		s.log.Warn("queue is full; dropping message", logx.String("channel_id", msg.ChannelID), logx.Int("capacity", s.Cap()))
	case errors.Is(err, ErrStopped):
		s.log.Debug("notifier stopped; dropping message", logx.String("channel_id", msg.ChannelID))
	}
	return false
}

// Submit is Enqueue with the reason for a rejection.
func (s *Service) Submit(msg transport.NotifyMessage) error {
	if msg.Empty() {
		return ErrEmpty
	}

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		s.metrics.RecordDropped()
		return ErrStopped
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case s.queue <- msg:
		s.metrics.SetQueueSize(len(s.queue))
		return nil
	default:
		s.metrics.RecordDropped()
		return ErrQueueFull
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("notifier.worker", s.worker,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.log.Info("notifier started", logx.Int("queue_size", s.Cap()))
}

// Stop closes intake and lets the worker drain what is queued until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.accepting = false
	sup := s.sup
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(s.queue)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
	}()

	select {
	case <-done:
		if n := s.Len(); n > 0 {
			s.log.Warn("notifier stopped with undelivered messages", logx.Int("pending", n))
		}
		s.log.Info("notifier stopped")
		return nil
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("notifier stop timed out", logx.Int("pending", s.Len()))
		return ctx.Err()
	}
}

func (s *Service) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.queue:
			if !ok {
				return nil
			}
			s.metrics.SetQueueSize(len(s.queue))
			if err := s.sendWithRetry(ctx, msg); err != nil {
				var de *DeliveryError
				if errors.As(err, &de) {
					s.log.Error("notification dropped", logx.String("channel_id", de.ChannelID), logx.Int("attempts", de.Attempts), logx.Err(de.Err))
				}
			}
			if err := s.sleep(ctx, s.pace(len(s.queue))); err != nil {
				return err
			}
		}
	}
}

// pace picks the delay after a send given the remaining queue depth.
func (s *Service) pace(depth int) time.Duration {
	cfg := s.snapshot()
	rate := cfg.RatePerSec
	if depth >= cfg.BurstThreshold {
		rate = cfg.BurstRatePerSec
	}
	return perSecond(rate)
}

func perSecond(rate float64) time.Duration {
	if rate < minRate {
		rate = minRate
	}
	return time.Duration(float64(time.Second) / rate)
}

func (s *Service) sendWithRetry(ctx context.Context, msg transport.NotifyMessage) error {
	cfg := s.snapshot()
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < cfg.RetryMax; attempt++ {
		attempts++
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.sender.Send(sendCtx, msg)
		cancel()
		if err == nil {
			s.metrics.RecordSent()
			return nil
		}
		lastErr = err
		s.metrics.RecordFailed()
		s.log.Warn("send attempt failed",
			logx.String("channel_id", msg.ChannelID),
			logx.Int("attempt", attempt+1),
			logx.Int("max", cfg.RetryMax),
			logx.Err(err),
		)
		if errors.Is(err, transport.ErrUndeliverable) || attempt == cfg.RetryMax-1 {
			break
		}
		if err := s.sleep(ctx, cfg.RetryBase<<attempt); err != nil {
			return fmt.Errorf("send to %s: %w", msg.ChannelID, err)
		}
	}
	return &DeliveryError{ChannelID: msg.ChannelID, Attempts: attempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
