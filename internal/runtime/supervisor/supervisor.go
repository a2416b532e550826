// Package supervisor runs the process's long-lived loops under one context,
// recovering panics and restarting failed loops with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// A run that lasted this long resets the backoff.
	healthyRun = 30 * time.Second
)

// LoopStats is a snapshot of one named loop, served on /metrics.
type LoopStats struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitempty"`
}

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	loops  map[string]*LoopStats
	active int64
	err    error // first loop failure
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, done: make(chan struct{}), loops: map[string]*LoopStats{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Context is canceled by Cancel, Stop or the parent.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel signals every loop to stop and returns immediately.
func (s *Supervisor) Cancel() { s.cancel() }

// Active is the number of loops still running.
func (s *Supervisor) Active() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Err is the first error a loop exited with, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) Stats() []LoopStats {
	s.mu.Lock()
	out := make([]LoopStats, 0, len(s.loops))
	for _, st := range s.loops {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) update(name string, fn func(st *LoopStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.loops[name]
	if !ok {
		st = &LoopStats{Name: name}
		s.loops[name] = st
	}
	fn(st)
}

// attempt runs fn once and turns a panic into an error.
func (s *Supervisor) attempt(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.update(name, func(st *LoopStats) { st.Panics++ })
		s.log.Error("loop panicked", logx.String("loop", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		err = fmt.Errorf("panic: %v", r)
	}()
	return fn(ctx)
}

func (s *Supervisor) fail(name string, err error) {
	err = fmt.Errorf("%s: %w", name, err)
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.update(name, func(st *LoopStats) {
		st.LastErr = err.Error()
		st.LastErrAt = time.Now()
	})
}

func (s *Supervisor) spawn(name string, body func()) {
	s.wg.Add(1)
	s.update(name, func(st *LoopStats) { st.Running = true })
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			s.update(name, func(st *LoopStats) { st.Running = false })
		}()
		body()
	}()
}

// Go runs fn once. A panic or non-cancel error becomes the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func() {
		if err := s.attempt(s.ctx, name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(name, err)
		}
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int // <= 0 is unlimited
}

// WithRestartBackoff bounds the exponential wait between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not a restart.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// GoRestart runs fn until it returns nil or the context ends, restarting it
// after an error or panic.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: defaultMinBackoff, max: defaultMaxBackoff}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.spawn(name, func() {
		if err := s.restartLoop(name, fn, p); err != nil {
			s.fail(name, err)
		}
	})
}

func (s *Supervisor) restartLoop(name string, fn func(context.Context) error, p restartPolicy) error {
	backoff := p.min
	for restarts := 0; ; {
		started := time.Now()
		err := s.attempt(s.ctx, name, fn)
		// During shutdown a loop may fail because its dependencies stopped first.
		if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		s.update(name, func(st *LoopStats) {
			st.LastErr = err.Error()
			st.LastErrAt = time.Now()
		})

		restarts++
		if p.maxRestarts > 0 && restarts > p.maxRestarts {
			s.log.Error("loop gave up", logx.String("loop", name), logx.Int("restarts", restarts-1), logx.Err(err))
			return err
		}
		if time.Since(started) >= healthyRun {
			backoff = p.min
		}
		wait := backoff + rand.N(backoff/5+1)
		s.update(name, func(st *LoopStats) { st.Restarts++ })
		s.log.Warn("loop restarting", logx.String("loop", name), logx.Duration("backoff", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, p.max)
	}
}

// Stop cancels all loops and waits for them.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop has returned or ctx ends, then reports Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
