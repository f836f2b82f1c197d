package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	logx "modwatch/pkg/logx"
)

// Validate performs static checks that need nothing beyond the config itself.
// Schedule syntax is checked by the app validator, which owns the parser.
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
	dur := func(path, raw string) { add(checkDuration(path, raw)) }

	if strings.TrimSpace(cfg.Discord.Token) == "" {
		add(errors.New("discord.token: required"))
	}

	up := cfg.Upstream
	if up.BaseURL != "" {
		if u, err := url.Parse(up.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add(fmt.Errorf("upstream.base_url: invalid url %q", up.BaseURL))
		}
	}
	dur("upstream.timeout", up.Timeout)
	if up.Rate.Limit < 0 {
		add(errors.New("upstream.rate.limit: must be >= 0"))
	}
	dur("upstream.rate.window", up.Rate.Window)
	switch strings.ToLower(strings.TrimSpace(up.Rate.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(up.Rate.Redis.Addr) == "" {
			add(errors.New("upstream.rate.redis.addr: required for redis backend"))
		}
	default:
		add(fmt.Errorf("upstream.rate.backend: unknown backend %q", up.Rate.Backend))
	}
	validateRetry("upstream.retry", up.Retry, add)

	if cfg.Poller.Concurrency < 0 {
		add(errors.New("poller.concurrency: must be >= 0"))
	}
	dur("poller.max_cycle", cfg.Poller.MaxCycle)

	d := cfg.Delivery
	if d.Workers < 0 || d.QueueSize < 0 {
		add(errors.New("delivery.workers/queue_size: must be >= 0"))
	}
	if d.GlobalRatePerSec < 0 || d.ChannelRate.PerSec < 0 || d.DMRate.PerSec < 0 {
		add(errors.New("delivery rates: must be >= 0"))
	}
	dur("delivery.send_timeout", d.SendTimeout)
	dur("delivery.ledger_ttl", d.LedgerTTL)
	validateRetry("delivery.retry", d.Retry, add)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file", "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		add(fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel))
	}
	if cfg.Logging.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.OpsChatID == 0) {
		add(errors.New("logging.telegram: requires telegram.token and telegram.ops_chat_id"))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	if cfg.HTTP.Enabled {
		addr := strings.TrimSpace(cfg.HTTP.Addr)
		if addr == "" {
			addr = DefaultHTTPAddr
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			add(fmt.Errorf("http.addr: %w", err))
		} else if !isLoopback(host) && cfg.HTTP.Token == "" && !cfg.HTTP.AllowInsecure {
			add(errors.New("http: non-loopback addr requires token or allow_insecure"))
		}
	}

	return errors.Join(errs...)
}

const DefaultHTTPAddr = "127.0.0.1:8089"

func validateRetry(path string, r RetryConfig, add func(error)) {
	if r.MaxAttempts < 0 {
		add(fmt.Errorf("%s.max_attempts: must be >= 0", path))
	}
	for name, raw := range map[string]string{"base_delay": r.BaseDelay, "max_delay": r.MaxDelay, "max_jitter": r.MaxJitter} {
		add(checkDuration(path+"."+name, raw))
	}
}

// checkDuration accepts empty (the default applies) or a non-negative Go
// duration string.
func checkDuration(path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return fmt.Errorf("%s: must be >= 0, got %s", path, d)
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
