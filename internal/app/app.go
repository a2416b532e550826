// Package app wires configuration, storage, the status client, the poller and
// the delivery queue into one process and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/boomNDS/soop-discoard-bot/internal/config"
	"github.com/boomNDS/soop-discoard-bot/internal/httpapi"
	"github.com/boomNDS/soop-discoard-bot/internal/metrics"
	"github.com/boomNDS/soop-discoard-bot/internal/notifier"
	"github.com/boomNDS/soop-discoard-bot/internal/poller"
	"github.com/boomNDS/soop-discoard-bot/internal/ratelimit"
	rtsup "github.com/boomNDS/soop-discoard-bot/internal/runtime/supervisor"
	"github.com/boomNDS/soop-discoard-bot/internal/soop"
	"github.com/boomNDS/soop-discoard-bot/internal/storage"
	"github.com/boomNDS/soop-discoard-bot/internal/task/scheduler"
	"github.com/boomNDS/soop-discoard-bot/internal/transport"
	"github.com/boomNDS/soop-discoard-bot/internal/transport/discord"
	"github.com/boomNDS/soop-discoard-bot/internal/transport/telegram"
	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

const (
	jobMetricsReport = "metrics.report"
	jobCacheSweep    = "soop.cache.sweep"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   *storage.SQLStore
	discord *discord.Session
	metrics *metrics.Metrics
	soop    *soop.Client
	limiter *ratelimit.Guild
	notif   *notifier.Service
	poller  *poller.Poller
	sched   *scheduler.Service
	http    *httpapi.Server
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var ops transport.TextSender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		ops = tg
	}
	logSvc, log := logx.New(mapLogConfig(cfg), ops)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	a, err := build(cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

func build(cfg *config.Config, store *storage.SQLStore, log logx.Logger) (*App, error) {
	dc, err := discord.New(discord.Config{Token: cfg.Discord.Token, ApplicationID: cfg.Discord.ApplicationID}, log.With(logx.String("comp", "discord")))
	if err != nil {
		return nil, err
	}
	soopCfg, err := mapSoopConfig(cfg)
	if err != nil {
		return nil, err
	}
	pcfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	client := soop.New(soopCfg, log.With(logx.String("comp", "soop")), m)
	limiter := ratelimit.NewGuild()
	notif := notifier.New(ncfg, dc, log.With(logx.String("comp", "notifier")), m)
	p := poller.New(pcfg, poller.Deps{
		Links:     store,
		States:    store,
		Settings:  store,
		PollState: store,
		Fetcher:   client,
		Limiter:   limiter,
		Queue:     notif,
		Guilds:    dc,
		Metrics:   m,
		Log:       log.With(logx.String("comp", "poller")),
	})
	sched := scheduler.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "scheduler")))

	a := &App{
		log:     log.With(logx.String("comp", "app")),
		store:   store,
		discord: dc,
		metrics: m,
		soop:    client,
		limiter: limiter,
		notif:   notif,
		poller:  p,
		sched:   sched,
	}
	a.http = httpapi.NewServer(httpapi.Deps{
		Store:     store,
		Tester:    p,
		Metrics:   m,
		Queue:     notif,
		Schedules: sched.Schedules,
		Loops:     a.loops,
	}, log.With(logx.String("comp", "http")))
	if err := a.registerJobs(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) loops() []rtsup.LoopStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Stats()
}

func (a *App) registerJobs(cfg *config.Config) error {
	if err := a.sched.Add(jobMetricsReport, cfg.Scheduler.MetricsReport, 10*time.Second, a.reportMetrics); err != nil {
		return err
	}
	return a.sched.Add(jobCacheSweep, cfg.Scheduler.CacheSweep, 30*time.Second, a.sweep)
}

func (a *App) reportMetrics(ctx context.Context) error {
	s := a.metrics.Snapshot()
	a.log.Info("metrics",
		logx.Uint64("sent", s.MessagesSent),
		logx.Uint64("failed", s.MessagesFailed),
		logx.Uint64("dropped", s.MessagesDropped),
		logx.Uint64("api_errors", s.APIErrors),
		logx.Uint64("polls", s.PollCount),
		logx.Duration("last_poll", s.LastPollDuration),
		logx.Int("queue", a.notif.Len()),
	)
	return nil
}

func (a *App) sweep(ctx context.Context) error {
	evicted := a.soop.SweepCache(time.Now())
	forgotten := a.limiter.Forget()
	if evicted > 0 || forgotten > 0 {
		a.log.Debug("maintenance sweep", logx.Int("cache_evicted", evicted), logx.Int("guilds_forgotten", forgotten))
	}
	return nil
}

// Done is closed once the app context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	run := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return config.Validate(cfg)
		})
	}

	if err := a.discord.Start(run); err != nil {
		return err
	}
	// The queue outlives the app context so Stop can drain it.
	a.notif.Start(context.WithoutCancel(run))
	a.sup.GoRestart("poller.loop", a.poller.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if a.cfgm != nil {
		if err := a.http.Apply(run, mapHTTPConfig(a.cfgm.Get())); err != nil {
			return fmt.Errorf("http: %w", err)
		}
		sub := a.cfgm.Subscribe()
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			return a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}
	a.sup.Go("systemd.watchdog", watchdogLoop(a.log))
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) error {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply hot-applies what can change at runtime and flags the rest.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	change := config.Diff(prev, next)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(change.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(change.Restart, ",")))
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(next))
	}
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if pcfg, err := mapPollerConfig(next); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		a.poller.SetInterval(pcfg.Interval)
		a.poller.SetPolicy(pcfg.Policy)
	}

	wasEnabled := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(next))
	if err := a.registerJobs(next); err != nil {
		a.log.Warn("re-register scheduled jobs failed", logx.Err(err))
	}
	switch {
	case wasEnabled && !next.Scheduler.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && next.Scheduler.Enabled:
		a.sched.Start(ctx)
	}

	if err := a.http.Apply(ctx, mapHTTPConfig(next)); err != nil {
		a.log.Warn("http reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so one
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "notifier", 5*time.Second, a.notif.Stop)
	a.step(ctx, "discord", 2*time.Second, a.discord.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
