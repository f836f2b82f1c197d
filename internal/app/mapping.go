package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"modwatch/internal/config"
	"modwatch/internal/dispatch"
	"modwatch/internal/observability/httpserver"
	"modwatch/internal/poller"
	"modwatch/internal/ratelimit"
	"modwatch/internal/retry"
	"modwatch/internal/storage"
	"modwatch/internal/transport/telegram"
	"modwatch/internal/upstream/modrinth"
	logx "modwatch/pkg/logx"
)

// durationOr reads a duration config.Validate already accepted. Empty or zero
// yields def, so the mappers never return errors.
func durationOr(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

const (
	defaultRateLimit  = 250
	defaultRateWindow = time.Minute
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		JSON:    lc.JSON,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapRetry(r config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: uint(max(0, r.MaxAttempts)),
		BaseDelay:   durationOr(r.BaseDelay, 0),
		MaxDelay:    durationOr(r.MaxDelay, 0),
		MaxJitter:   durationOr(r.MaxJitter, 0),
	}
}

func mapRate(cfg *config.Config) (int, time.Duration) {
	limit := cfg.Upstream.Rate.Limit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	return limit, durationOr(cfg.Upstream.Rate.Window, defaultRateWindow)
}

func mapUpstream(cfg *config.Config, log logx.Logger) modrinth.Options {
	up := cfg.Upstream
	return modrinth.Options{
		BaseURL:   up.BaseURL,
		UserAgent: up.UserAgent,
		Timeout:   durationOr(up.Timeout, modrinth.DefaultTimeout),
		Retry:     mapRetry(up.Retry),
		Logger:    log,
	}
}

// openWindow returns the shared rate window for backend "redis", or nil for
// the in-process one. An unreachable Redis at startup is not fatal; the
// governor falls back to its local window per call.
func openWindow(ctx context.Context, cfg *config.Config, log logx.Logger) (ratelimit.Window, func() error) {
	rc := cfg.Upstream.Rate
	if !strings.EqualFold(strings.TrimSpace(rc.Backend), "redis") {
		return nil, func() error { return nil }
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Redis.Addr,
		Password: rc.Redis.Password,
		DB:       rc.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Warn("redis unreachable; rate window falls back to local until it recovers",
			logx.String("addr", rc.Redis.Addr), logx.Err(err))
	} else {
		log.Info("shared rate window enabled", logx.String("addr", rc.Redis.Addr))
	}
	return ratelimit.NewRedisWindow(rdb, rc.Redis.Key), rdb.Close
}

func mapPoller(cfg *config.Config) poller.Config {
	return poller.Config{
		Schedule:    cfg.Poller.Schedule,
		Concurrency: cfg.Poller.Concurrency,
		MaxCycle:    durationOr(cfg.Poller.MaxCycle, 0),
	}
}

func mapDelivery(cfg *config.Config) dispatch.Config {
	d := cfg.Delivery
	return dispatch.Config{
		Workers:          d.Workers,
		QueueSize:        d.QueueSize,
		GlobalRatePerSec: d.GlobalRatePerSec,
		GlobalBurst:      d.GlobalBurst,
		ChannelRate:      dispatch.Rate{PerSec: d.ChannelRate.PerSec, Burst: d.ChannelRate.Burst},
		DMRate:           dispatch.Rate{PerSec: d.DMRate.PerSec, Burst: d.DMRate.Burst},
		SendTimeout:      durationOr(d.SendTimeout, 0),
		Retry:            mapRetry(d.Retry),
		LedgerTTL:        durationOr(d.LedgerTTL, 0),
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if path == "" {
		switch driver {
		case "", "sqlite", "sqlite3":
			path = "./modwatch.db"
		case "file":
			path = "./modwatch-data"
		}
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: durationOr(sc.BusyTimeout, time.Second),
	}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	tc := cfg.Telegram
	return telegram.Config{
		Token:        tc.Token,
		OwnerUserIDs: append([]int64(nil), tc.OwnerUserIDs...),
		OpsChatID:    tc.OpsChatID,
		OpsThreadID:  tc.OpsThreadID,
		PollTimeout:  durationOr(tc.PollTimeout, 10*time.Second),
	}
}

func mapHTTP(cfg *config.Config) httpserver.Config {
	hc := cfg.HTTP
	metrics := true
	if hc.Metrics != nil {
		metrics = *hc.Metrics
	}
	return httpserver.Config{
		Enabled:       hc.Enabled,
		Addr:          hc.Addr,
		Token:         hc.Token,
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		Metrics:       metrics,
	}
}

// validate is the reload hook: checks that need the service packages.
func validate(_ context.Context, cfg *config.Config) error {
	raw := strings.TrimSpace(cfg.Poller.Schedule)
	if raw == "" {
		return nil
	}
	if _, err := poller.ParseSchedule(raw); err != nil {
		return fmt.Errorf("poller.schedule: %w", err)
	}
	return nil
}
