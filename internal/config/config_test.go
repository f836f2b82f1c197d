package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
discord:
  token: ${MODWATCH_TEST_TOKEN}
upstream:
  user_agent: modwatch-test/1.0
  rate:
    limit: 300
    window: 1m
poller:
  schedule: "@every 5m"
  concurrency: 4
delivery:
  retry:
    max_attempts: 5
    base_delay: 1s
storage:
  driver: sqlite
  path: ./modwatch.db
logging:
  level: info
  console: true
`

func TestDecodeYAML(t *testing.T) {
	t.Setenv("MODWATCH_TEST_TOKEN", "secret")

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Discord.Token != "secret" {
		t.Fatalf("token not expanded: %q", cfg.Discord.Token)
	}
	if cfg.Upstream.Rate.Limit != 300 || cfg.Delivery.Retry.MaxAttempts != 5 {
		t.Fatalf("unexpected decode: %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("config.json", []byte(`{"discord":{"token":"x"},"pollr":{}}`))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
	_, err = Decode("config.json", []byte(`{"discord":{"token":"x"}}{}`))
	if err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Discord.Token = "" }, wantErr: "discord.token"},
		{name: "bad duration", mutate: func(c *Config) { c.Poller.MaxCycle = "soon" }, wantErr: "poller.max_cycle"},
		{name: "negative duration", mutate: func(c *Config) { c.Delivery.LedgerTTL = "-1h" }, wantErr: "delivery.ledger_ttl: must be >= 0"},
		{name: "bad retry delay", mutate: func(c *Config) { c.Upstream.Retry.MaxDelay = "2 secs" }, wantErr: "upstream.retry.max_delay"},
		{name: "padded duration", mutate: func(c *Config) { c.Upstream.Timeout = " 10s " }},
		{name: "redis needs addr", mutate: func(c *Config) { c.Upstream.Rate.Backend = "redis" }, wantErr: "redis.addr"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "bolt" }, wantErr: "storage.driver"},
		{name: "public http without token", mutate: func(c *Config) {
			c.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:8089"}
		}, wantErr: "non-loopback"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Discord: DiscordConfig{Token: "x"}}
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	a := &Config{Discord: DiscordConfig{Token: "x"}, Poller: PollerConfig{Schedule: "5m"}}
	b := *a
	b.Poller.Schedule = "10m"
	b.Storage.Path = "other.db"

	changed, _, restart := SummarizeChange(a, &b)
	if strings.Join(changed, ",") != "poller,storage" {
		t.Fatalf("changed=%v", changed)
	}
	if strings.Join(restart, ",") != "storage" {
		t.Fatalf("restart=%v", restart)
	}
}

func TestWatchPublishesValidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"discord":{"token":"x"},"poller":{"schedule":"5m"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	write(`{"discord":{"token":"x"},"poller":{"schedule":"10m"}}`)

	select {
	case cfg := <-sub:
		if cfg.Poller.Schedule != "10m" {
			t.Fatalf("published schedule=%q", cfg.Poller.Schedule)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload published")
	}
	if got := m.Get().Poller.Schedule; got != "10m" {
		t.Fatalf("committed schedule=%q", got)
	}
}
