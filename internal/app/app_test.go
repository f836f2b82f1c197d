package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"modwatch/internal/config"
	logx "modwatch/pkg/logx"
)

func TestMapDefaults(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if limit, window := mapRate(cfg); limit != 250 || window != time.Minute {
		t.Fatalf("mapRate()=%d,%v want 250,1m", limit, window)
	}
	if hc := mapHTTP(cfg); !hc.Metrics {
		t.Fatalf("metrics should default on")
	}
	off := false
	cfg.HTTP.Metrics = &off
	if hc := mapHTTP(cfg); hc.Metrics {
		t.Fatalf("metrics=false ignored")
	}

	tests := []struct {
		driver, path, want string
	}{
		{"", "", "./modwatch.db"},
		{"file", "", "./modwatch-data"},
		{"memory", "", ""},
		{"sqlite", "/var/lib/modwatch/db", "/var/lib/modwatch/db"},
	}
	for _, tt := range tests {
		got := mapStorage(&config.Config{Storage: config.StorageConfig{Driver: tt.driver, Path: tt.path}})
		if got.Path != tt.want {
			t.Fatalf("driver %q: path=%q want %q", tt.driver, got.Path, tt.want)
		}
	}
}

func TestDurationOr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", time.Second},
		{"0s", time.Second},
		{" 90s ", 90 * time.Second},
		{"garbage", time.Second},
		{"-5m", time.Second},
	}
	for _, tt := range tests {
		if got := durationOr(tt.raw, time.Second); got != tt.want {
			t.Fatalf("durationOr(%q)=%v want %v", tt.raw, got, tt.want)
		}
	}
}

func TestMapDelivery(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Delivery: config.DeliveryConfig{
		Workers:     2,
		SendTimeout: "3s",
		ChannelRate: config.DestRateConfig{PerSec: 2, Burst: 4},
		Retry:       config.RetryConfig{MaxAttempts: 5, BaseDelay: "100ms"},
	}}
	dc := mapDelivery(cfg)
	if dc.Workers != 2 || dc.SendTimeout != 3*time.Second {
		t.Fatalf("workers=%d send_timeout=%v", dc.Workers, dc.SendTimeout)
	}
	if dc.ChannelRate.PerSec != 2 || dc.ChannelRate.Burst != 4 {
		t.Fatalf("channel rate=%+v", dc.ChannelRate)
	}
	if dc.Retry.MaxAttempts != 5 || dc.Retry.BaseDelay != 100*time.Millisecond {
		t.Fatalf("retry=%+v", dc.Retry)
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for _, ok := range []string{"", "5m", "@every 10m", "*/5 * * * *"} {
		if err := validate(ctx, &config.Config{Poller: config.PollerConfig{Schedule: ok}}); err != nil {
			t.Fatalf("schedule %q rejected: %v", ok, err)
		}
	}
	err := validate(ctx, &config.Config{Poller: config.PollerConfig{Schedule: "sometimes"}})
	if err == nil || !strings.Contains(err.Error(), "poller.schedule") {
		t.Fatalf("err=%v", err)
	}
}

func TestStopStepIsBounded(t *testing.T) {
	t.Parallel()

	a := &App{log: logx.Nop()}
	start := time.Now()
	a.step(context.Background(), "stuck", 50*time.Millisecond, func(context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("step took %v", took)
	}

	ran := false
	a.step(context.Background(), "panics", time.Second, func(context.Context) error {
		ran = true
		panic("boom")
	})
	if !ran {
		t.Fatalf("step fn not run")
	}
}
