package config

import "strings"

const (
	DefaultChannelAPIBaseURL    = "https://api-channel.sooplive.co.kr"
	DefaultStreamURLBase        = "https://play.sooplive.co.kr"
	DefaultThumbnailURLTemplate = "https://liveimg.sooplive.co.kr/h/{broad_no}.webp"
	DefaultDatabaseURL          = "sqlite:///data/soopnotify.db"

	LookupChannel = "channel"
	LookupList    = "list"

	PolicyBroadcast = "broadcast"
	PolicySession   = "session"
)

// ApplyDefaults fills zero-valued fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	s := &cfg.Soop
	if strings.TrimSpace(s.LookupMode) == "" {
		s.LookupMode = LookupChannel
	}
	if s.ChannelAPIBaseURL == "" {
		s.ChannelAPIBaseURL = DefaultChannelAPIBaseURL
	}
	if s.StreamURLBase == "" {
		s.StreamURLBase = DefaultStreamURLBase
	}
	if s.ThumbnailURLTemplate == "" {
		s.ThumbnailURLTemplate = DefaultThumbnailURLTemplate
	}
	if s.MaxPages <= 0 {
		s.MaxPages = 5
	}
	if s.RetryMax <= 0 {
		s.RetryMax = 3
	}
	if s.RetryBackoff == "" {
		s.RetryBackoff = "500ms"
	}
	if s.InfoCooldown == "" {
		s.InfoCooldown = "60s"
	}
	if s.RequestTimeout == "" {
		s.RequestTimeout = "10s"
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 8
	}

	if cfg.Poller.Interval == "" {
		cfg.Poller.Interval = "60s"
	}
	if cfg.Poller.NotifyPolicy == "" {
		cfg.Poller.NotifyPolicy = PolicyBroadcast
	}

	n := &cfg.Notifier
	if n.QueueSize <= 0 {
		n.QueueSize = 1000
	}
	if n.RatePerSec <= 0 {
		n.RatePerSec = 2
	}
	if n.BurstRatePerSec <= 0 {
		n.BurstRatePerSec = 10
	}
	if n.BurstThreshold <= 0 {
		n.BurstThreshold = 25
	}
	if n.RetryMax <= 0 {
		n.RetryMax = 3
	}
	if n.RetryBase == "" {
		n.RetryBase = "500ms"
	}

	if cfg.Storage.DatabaseURL == "" {
		cfg.Storage.DatabaseURL = DefaultDatabaseURL
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:8080"
	}
	if cfg.Scheduler.MetricsReport == "" {
		cfg.Scheduler.MetricsReport = "@every 15m"
	}
	if cfg.Scheduler.CacheSweep == "" {
		cfg.Scheduler.CacheSweep = "@every 10m"
	}
}
