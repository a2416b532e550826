package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

const defaultJobTimeout = time.Minute

type runStats struct {
	runs     atomic.Uint64
	failures atomic.Uint64
	lastErr  atomic.Value // string
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	now  func() time.Time
	base context.Context

	c    *cron.Cron
	defs []scheduleDef
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, now: time.Now, base: context.Background()}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply takes the new config. A timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Add registers job under name, replacing any schedule with the same name.
// A zero timeout means one minute.
func (s *Service) Add(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if err := Validate(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, timeout: timeout, job: job, stats: &runStats{}})
	if s.c == nil {
		return nil
	}
	return s.registerLocked(&s.defs[len(s.defs)-1])
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i := range s.defs {
		if s.defs[i].name != name {
			continue
		}
		if s.c != nil && s.defs[i].entryID != 0 {
			s.c.Remove(s.defs[i].entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// Start begins triggering. ctx is the parent of every job context.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if ctx != nil {
		s.base = ctx
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) registerLocked(d *scheduleDef) error {
	ps, err := ParseSchedule(d.spec)
	if err != nil {
		return err
	}
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.log})).Then(s.wrap(d.name, d.timeout, d.job, d.stats))

	var id cron.EntryID
	switch ps.Kind {
	case SpecInterval:
		sched, spread := withStartupSpread(ps.Every, s.now(), d.name)
		d.spread = spread
		id = s.c.Schedule(sched, job)
	default:
		id, err = s.c.AddJob(ps.Cron, job)
		if err != nil {
			return err
		}
	}
	d.entryID = id
	s.log.Debug("schedule registered", logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("spread", d.spread))
	return nil
}

func (s *Service) wrap(name string, timeout time.Duration, job Job, st *runStats) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		base := s.base
		s.mu.Unlock()
		if base.Err() != nil {
			return
		}
		_ = s.run(base, name, timeout, job, st)
	})
}

func (s *Service) run(base context.Context, name string, timeout time.Duration, job Job, st *runStats) error {
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	start := time.Now()
	st.runs.Add(1)
	err := job(ctx)
	if err != nil {
		st.failures.Add(1)
		st.lastErr.Store(err.Error())
		s.log.Warn("scheduled job failed", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("scheduled job done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	return nil
}

// RunNow runs a registered job immediately on the calling goroutine.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.run(ctx, def.name, def.timeout, def.job, def.stats)
}

// Schedules lists registered schedules sorted by name.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec,
			Runs:     d.stats.runs.Load(),
			Failures: d.stats.failures.Load(),
		}
		if v, ok := d.stats.lastErr.Load().(string); ok {
			info.LastErr = v
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
