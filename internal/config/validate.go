package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/boomNDS/soop-discoard-bot/internal/task/scheduler"
)

// Validate checks a fully defaulted config. It returns every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Discord.Token) == "" {
		add(errors.New("discord.token: required (or DISCORD_TOKEN)"))
	}

	s := cfg.Soop
	switch s.LookupMode {
	case LookupChannel:
	case LookupList:
		if strings.TrimSpace(s.APIBaseURL) == "" {
			add(errors.New("soop.api_base_url: required when lookup_mode is \"list\""))
		}
	default:
		add(fmt.Errorf("soop.lookup_mode: unknown mode %q", s.LookupMode))
	}
	add(checkURL("soop.channel_api_base_url", s.ChannelAPIBaseURL))
	add(checkURL("soop.stream_url_base", s.StreamURLBase))
	if s.APIBaseURL != "" {
		add(checkURL("soop.api_base_url", s.APIBaseURL))
	}
	if !strings.Contains(s.ThumbnailURLTemplate, "{broad_no}") {
		add(errors.New("soop.thumbnail_url_template: must contain {broad_no}"))
	}
	if s.RetryMax < 1 {
		add(errors.New("soop.retry_max: must be >= 1"))
	}
	if s.RatePerSec < 0 {
		add(errors.New("soop.rate_per_sec: must be >= 0"))
	}
	for path, raw := range map[string]string{
		"soop.retry_backoff":   s.RetryBackoff,
		"soop.info_cooldown":   s.InfoCooldown,
		"soop.request_timeout": s.RequestTimeout,
		"notifier.retry_base":  cfg.Notifier.RetryBase,
		"storage.busy_timeout": cfg.Storage.BusyTimeout,
	} {
		_, err := ParseDuration(path, raw)
		add(err)
	}

	d, err := ParseDuration("poller.interval", cfg.Poller.Interval)
	add(err)
	if err == nil && d <= 0 {
		add(errors.New("poller.interval: must be > 0"))
	}
	switch cfg.Poller.NotifyPolicy {
	case PolicyBroadcast, PolicySession:
	default:
		add(fmt.Errorf("poller.notify_policy: unknown policy %q", cfg.Poller.NotifyPolicy))
	}

	n := cfg.Notifier
	if n.QueueSize < 1 {
		add(errors.New("notifier.queue_size: must be >= 1"))
	}
	if n.RetryMax < 1 {
		add(errors.New("notifier.retry_max: must be >= 1"))
	}
	if n.RatePerSec <= 0 || n.BurstRatePerSec <= 0 {
		add(errors.New("notifier: rates must be > 0"))
	}

	if _, err := DatabaseDriver(cfg.Storage.DatabaseURL); err != nil {
		add(fmt.Errorf("storage.database_url: %w", err))
	}

	if cfg.Logging.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(errors.New("logging.telegram: telegram.token is required"))
		}
		if cfg.Logging.Telegram.ChatID == 0 {
			add(errors.New("logging.telegram.chat_id: required when enabled"))
		}
	}

	if cfg.Scheduler.Enabled {
		add(checkSchedule("scheduler.metrics_report", cfg.Scheduler.MetricsReport))
		add(checkSchedule("scheduler.cache_sweep", cfg.Scheduler.CacheSweep))
	}
	return errors.Join(errs...)
}

// DatabaseDriver maps a DATABASE_URL to a storage driver name.
func DatabaseDriver(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "sqlite://"), strings.HasPrefix(s, "file:"):
		return "sqlite", nil
	case strings.HasPrefix(s, "postgres://"), strings.HasPrefix(s, "postgresql://"):
		return "postgres", nil
	case s == "":
		return "", errors.New("empty url")
	default:
		return "", fmt.Errorf("unsupported scheme in %q", s)
	}
}

func checkURL(path, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: invalid url %q", path, raw)
	}
	return nil
}

func checkSchedule(path, spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if err := scheduler.Validate(spec); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
