package config

// Config is the root document. Every section may be omitted; ApplyDefaults
// fills zero fields and environment variables override the file.
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Soop      SoopConfig      `json:"soop"`
	Poller    PollerConfig    `json:"poller"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	HTTP      HTTPConfig      `json:"http"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type DiscordConfig struct {
	Token         string `json:"token"`
	ApplicationID string `json:"application_id,omitempty"`
}

// SoopConfig controls the live-status client.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - lookup_mode: "channel"
//   - channel_api_base_url: https://api-channel.sooplive.co.kr
//   - stream_url_base: https://play.sooplive.co.kr
//   - max_pages: 5
//   - retry_max: 3, retry_backoff: "500ms"
//   - info_cooldown: "60s", request_timeout: "10s"
//   - concurrency: 8
type SoopConfig struct {
	LookupMode           string            `json:"lookup_mode,omitempty"`
	APIBaseURL           string            `json:"api_base_url,omitempty"`
	ClientID             string            `json:"client_id,omitempty"`
	ChannelAPIBaseURL    string            `json:"channel_api_base_url,omitempty"`
	HardcodeStreamerID   string            `json:"hardcode_streamer_id,omitempty"`
	StreamURLBase        string            `json:"stream_url_base,omitempty"`
	ThumbnailURLTemplate string            `json:"thumbnail_url_template,omitempty"`
	Headers              map[string]string `json:"headers,omitempty"`

	MaxPages       int     `json:"max_pages,omitempty"`
	RetryMax       int     `json:"retry_max,omitempty"`
	RetryBackoff   string  `json:"retry_backoff,omitempty"`
	InfoCooldown   string  `json:"info_cooldown,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Concurrency    int     `json:"concurrency,omitempty"`
}

// PollerConfig controls the poll loop. NotifyPolicy is "broadcast" or "session".
type PollerConfig struct {
	Interval     string `json:"interval,omitempty"`
	NotifyPolicy string `json:"notify_policy,omitempty"`
}

// NotifierConfig controls the delivery queue pacing and retry.
type NotifierConfig struct {
	QueueSize       int     `json:"queue_size,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	BurstRatePerSec float64 `json:"burst_rate_per_sec,omitempty"`
	BurstThreshold  int     `json:"burst_threshold,omitempty"`
	RetryMax        int     `json:"retry_max,omitempty"`
	RetryBase       string  `json:"retry_base,omitempty"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "database_url": "sqlite:///data/soopnotify.db" }
//
// A postgres:// or postgresql:// URL selects postgres.
type StorageConfig struct {
	DatabaseURL string `json:"database_url,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig holds the bot used for the operator log sink. Empty token disables it.
type TelegramConfig struct {
	Token string `json:"token,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	// Pprof mounts net/http/pprof under /debug. Keep the listener private when on.
	Pprof bool `json:"pprof,omitempty"`
}

// SchedulerConfig controls maintenance jobs. Specs accept cron expressions,
// "@every" descriptors or plain Go durations.
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	Timezone      string `json:"timezone,omitempty"`
	MetricsReport string `json:"metrics_report,omitempty"`
	CacheSweep    string `json:"cache_sweep,omitempty"`
}
