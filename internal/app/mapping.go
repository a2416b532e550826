package app

import (
	"fmt"
	"time"

	"github.com/boomNDS/soop-discoard-bot/internal/config"
	"github.com/boomNDS/soop-discoard-bot/internal/httpapi"
	"github.com/boomNDS/soop-discoard-bot/internal/notifier"
	"github.com/boomNDS/soop-discoard-bot/internal/poller"
	"github.com/boomNDS/soop-discoard-bot/internal/soop"
	"github.com/boomNDS/soop-discoard-bot/internal/storage"
	"github.com/boomNDS/soop-discoard-bot/internal/task/scheduler"
	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lt := cfg.Logging.Telegram
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    lt.Enabled && lt.ChatID != 0 && cfg.Telegram.Token != "",
			ChatID:     lt.ChatID,
			ThreadID:   lt.ThreadID,
			MinLevel:   lt.MinLevel,
			RatePerSec: lt.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.DurationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{DatabaseURL: cfg.Storage.DatabaseURL, BusyTimeout: busy}, nil
}

func mapSoopConfig(cfg *config.Config) (soop.Config, error) {
	sc := cfg.Soop
	out := soop.Config{
		LookupMode:           sc.LookupMode,
		ChannelAPIBaseURL:    sc.ChannelAPIBaseURL,
		ListAPIBaseURL:       sc.APIBaseURL,
		ClientID:             sc.ClientID,
		HardcodeStreamerID:   sc.HardcodeStreamerID,
		ThumbnailURLTemplate: sc.ThumbnailURLTemplate,
		Headers:              sc.Headers,
		MaxPages:             sc.MaxPages,
		RetryMax:             sc.RetryMax,
		RatePerSec:           sc.RatePerSec,
		Concurrency:          sc.Concurrency,
	}
	var err error
	if out.RetryBackoff, err = config.DurationOr("soop.retry_backoff", sc.RetryBackoff, 500*time.Millisecond); err != nil {
		return soop.Config{}, err
	}
	if out.InfoCooldown, err = config.DurationOr("soop.info_cooldown", sc.InfoCooldown, time.Minute); err != nil {
		return soop.Config{}, err
	}
	if out.RequestTimeout, err = config.DurationOr("soop.request_timeout", sc.RequestTimeout, 10*time.Second); err != nil {
		return soop.Config{}, err
	}
	return out, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	every, err := config.DurationOr("poller.interval", cfg.Poller.Interval, time.Minute)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		Interval:      every,
		Policy:        cfg.Poller.NotifyPolicy,
		StreamURLBase: cfg.Soop.StreamURLBase,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	base, err := config.DurationOr("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.QueueSize < 0 || nc.BurstThreshold < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: sizes must be >= 0")
	}
	return notifier.Config{
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		BurstRatePerSec: nc.BurstRatePerSec,
		BurstThreshold:  nc.BurstThreshold,
		RetryMax:        nc.RetryMax,
		RetryBase:       base,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{Enabled: cfg.HTTP.Enabled, Addr: cfg.HTTP.Addr, Pprof: cfg.HTTP.Pprof}
}
