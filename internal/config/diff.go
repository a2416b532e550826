package config

import (
	"reflect"
	"strings"

	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

// Change describes what differs between two configs. Fields never carry
// secrets: tokens and the database URL are reduced to flags.
type Change struct {
	Sections []string
	Restart  []string
	Fields   []logx.Field
}

func (c *Change) add(section string, restart bool, fields ...logx.Field) {
	c.Sections = append(c.Sections, section)
	if restart {
		c.Restart = append(c.Restart, section)
	}
	c.Fields = append(c.Fields, fields...)
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares prev and next. Sections in Restart only take effect after a restart.
func Diff(prev, next *Config) Change {
	if prev == nil {
		prev = &Config{}
	}
	if next == nil {
		next = &Config{}
	}
	var c Change

	if prev.Discord != next.Discord {
		c.add("discord", true, logx.Bool("discord.token_set", strings.TrimSpace(next.Discord.Token) != ""))
	}
	if !reflect.DeepEqual(prev.Soop, next.Soop) {
		c.add("soop", true,
			logx.String("soop.lookup_mode", next.Soop.LookupMode),
			logx.Int("soop.retry_max", next.Soop.RetryMax),
			logx.String("soop.info_cooldown", next.Soop.InfoCooldown),
		)
	}
	if prev.Poller != next.Poller {
		c.add("poller", false,
			logx.String("poller.interval", next.Poller.Interval),
			logx.String("poller.notify_policy", next.Poller.NotifyPolicy),
		)
	}
	if prev.Notifier != next.Notifier {
		c.add("notifier", prev.Notifier.QueueSize != next.Notifier.QueueSize,
			logx.Float64("notifier.rate_per_sec", next.Notifier.RatePerSec),
			logx.Float64("notifier.burst_rate_per_sec", next.Notifier.BurstRatePerSec),
			logx.Int("notifier.burst_threshold", next.Notifier.BurstThreshold),
			logx.Int("notifier.retry_max", next.Notifier.RetryMax),
		)
	}
	if prev.Storage != next.Storage {
		drv, _ := DatabaseDriver(next.Storage.DatabaseURL)
		c.add("storage", true, logx.String("storage.driver", drv))
	}
	if prev.Logging != next.Logging {
		c.add("logging", false,
			logx.String("logging.level", next.Logging.Level),
			logx.Bool("logging.file", next.Logging.File.Enabled),
			logx.Bool("logging.telegram", next.Logging.Telegram.Enabled),
		)
	}
	if prev.Telegram != next.Telegram {
		c.add("telegram", true)
	}
	if prev.HTTP != next.HTTP {
		c.add("http", false,
			logx.Bool("http.enabled", next.HTTP.Enabled),
			logx.String("http.addr", next.HTTP.Addr),
			logx.Bool("http.pprof", next.HTTP.Pprof),
		)
	}
	if prev.Scheduler != next.Scheduler {
		c.add("scheduler", false, logx.Bool("scheduler.enabled", next.Scheduler.Enabled))
	}
	return c
}
