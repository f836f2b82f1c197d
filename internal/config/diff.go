package config

import (
	"reflect"

	logx "modwatch/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs, with
// safe log fields (never tokens or passwords), and the subset of changed
// sections that only take effect after a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Discord != newCfg.Discord {
		changed = append(changed, "discord")
		restart = append(restart, "discord")
	}
	if !reflect.DeepEqual(oldCfg.Upstream, newCfg.Upstream) {
		changed = append(changed, "upstream")
		attrs = append(attrs,
			logx.Int("upstream.rate.limit", newCfg.Upstream.Rate.Limit),
			logx.String("upstream.rate.window", newCfg.Upstream.Rate.Window),
			logx.String("upstream.rate.backend", newCfg.Upstream.Rate.Backend),
		)
		if oldCfg.Upstream.BaseURL != newCfg.Upstream.BaseURL ||
			oldCfg.Upstream.UserAgent != newCfg.Upstream.UserAgent ||
			oldCfg.Upstream.Timeout != newCfg.Upstream.Timeout ||
			oldCfg.Upstream.Rate.Backend != newCfg.Upstream.Rate.Backend ||
			oldCfg.Upstream.Rate.Redis != newCfg.Upstream.Rate.Redis {
			restart = append(restart, "upstream")
		}
	}
	if oldCfg.Poller != newCfg.Poller {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.String("poller.schedule", newCfg.Poller.Schedule),
			logx.Int("poller.concurrency", newCfg.Poller.Concurrency),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Float64("delivery.global_rate_per_sec", newCfg.Delivery.GlobalRatePerSec),
			logx.Int("delivery.workers", newCfg.Delivery.Workers),
		)
		if oldCfg.Delivery.Workers != newCfg.Delivery.Workers || oldCfg.Delivery.QueueSize != newCfg.Delivery.QueueSize {
			restart = append(restart, "delivery.workers")
		}
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)))
		if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
			restart = append(restart, "telegram")
		}
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.Addr))
	}
	return changed, attrs, restart
}
