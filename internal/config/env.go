package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with the deployment's environment variables.
// lookup is os.LookupEnv in production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(k string, dst *string) {
		if v, ok := get(k); ok {
			*dst = v
		}
	}

	var errs []error
	integer := func(k string, dst *int) {
		if v, ok := get(k); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", k, v))
				return
			}
			*dst = n
		}
	}
	float := func(k string, dst *float64) {
		if v, ok := get(k); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid number %q", k, v))
				return
			}
			*dst = f
		}
	}
	seconds := func(k string, dst *string) {
		if v, ok := get(k); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 {
				errs = append(errs, fmt.Errorf("%s: invalid seconds %q", k, v))
				return
			}
			*dst = time.Duration(f * float64(time.Second)).String()
		}
	}

	str("DISCORD_TOKEN", &cfg.Discord.Token)
	str("DISCORD_APPLICATION_ID", &cfg.Discord.ApplicationID)

	str("SOOP_API_BASE_URL", &cfg.Soop.APIBaseURL)
	str("SOOP_CLIENT_ID", &cfg.Soop.ClientID)
	str("SOOP_CHANNEL_API_BASE_URL", &cfg.Soop.ChannelAPIBaseURL)
	str("SOOP_HARDCODE_STREAMER_ID", &cfg.Soop.HardcodeStreamerID)
	str("SOOP_STREAM_URL_BASE", &cfg.Soop.StreamURLBase)
	str("SOOP_THUMBNAIL_URL_TEMPLATE", &cfg.Soop.ThumbnailURLTemplate)
	str("SOOP_LOOKUP_MODE", &cfg.Soop.LookupMode)
	integer("SOOP_MAX_PAGES", &cfg.Soop.MaxPages)
	integer("SOOP_RETRY_MAX", &cfg.Soop.RetryMax)
	seconds("SOOP_RETRY_BACKOFF", &cfg.Soop.RetryBackoff)
	seconds("SOOP_INFO_COOLDOWN_SECONDS", &cfg.Soop.InfoCooldown)

	seconds("POLL_INTERVAL_SECONDS", &cfg.Poller.Interval)
	str("NOTIFY_POLICY", &cfg.Poller.NotifyPolicy)

	float("NOTIFY_RATE_PER_SECOND", &cfg.Notifier.RatePerSec)
	float("NOTIFY_BURST_RATE_PER_SECOND", &cfg.Notifier.BurstRatePerSec)
	integer("NOTIFY_BURST_THRESHOLD", &cfg.Notifier.BurstThreshold)

	str("DATABASE_URL", &cfg.Storage.DatabaseURL)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("TELEGRAM_TOKEN", &cfg.Telegram.Token)

	return errors.Join(errs...)
}
