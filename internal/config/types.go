package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "5m"); zero or omitted values fall back to defaults that
// are applied where each section is mapped onto its service.
type Config struct {
	Discord  DiscordConfig  `json:"discord"`
	Upstream UpstreamConfig `json:"upstream"`
	Poller   PollerConfig   `json:"poller"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
}

// UpstreamConfig controls the Modrinth client and its request budget.
type UpstreamConfig struct {
	BaseURL   string      `json:"base_url,omitempty"`   // default: https://api.modrinth.com/v2
	UserAgent string      `json:"user_agent,omitempty"` // required by Modrinth
	Timeout   string      `json:"timeout,omitempty"`    // per request, default 15s
	Rate      RateConfig  `json:"rate"`
	Retry     RetryConfig `json:"retry,omitempty"`
}

// RateConfig describes the rolling upstream budget: at most Limit requests in
// any Window.
//
// Backend "redis" shares the window between processes that share an IP.
type RateConfig struct {
	Limit   int         `json:"limit"`            // default 250
	Window  string      `json:"window,omitempty"` // default 1m
	Backend string      `json:"backend,omitempty"`
	Redis   RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"` // default: modwatch:upstream
}

// RetryConfig is the bounded retry policy shared by upstream and delivery.
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BaseDelay   string `json:"base_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
	MaxJitter   string `json:"max_jitter,omitempty"`
}

// PollerConfig controls the poll cycle.
//
// Schedule accepts cron ("*/5 * * * *", "@every 5m") or a bare duration ("5m").
type PollerConfig struct {
	Schedule    string `json:"schedule,omitempty"`    // default "@every 5m"
	Concurrency int    `json:"concurrency,omitempty"` // default 4
	MaxCycle    string `json:"max_cycle,omitempty"`   // default 4m
}

// DeliveryConfig controls the dispatcher.
type DeliveryConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	GlobalRatePerSec float64        `json:"global_rate_per_sec,omitempty"`
	GlobalBurst      int            `json:"global_burst,omitempty"`
	ChannelRate      DestRateConfig `json:"channel_rate,omitempty"`
	DMRate           DestRateConfig `json:"dm_rate,omitempty"`

	SendTimeout string      `json:"send_timeout,omitempty"`
	Retry       RetryConfig `json:"retry,omitempty"`
	// LedgerTTL bounds how long successful deliveries are remembered for
	// duplicate suppression after a restart.
	LedgerTTL string `json:"ledger_ttl,omitempty"`
}

type DestRateConfig struct {
	PerSec float64 `json:"per_sec,omitempty"`
	Burst  int     `json:"burst,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./modwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | file | memory
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	JSON     bool            `json:"json,omitempty"`
	File     LoggingFile     `json:"file,omitempty"`
	Telegram LoggingTelegram `json:"telegram,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig enables the operator bot: alerts and owner-only commands.
type TelegramConfig struct {
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	OpsChatID    int64   `json:"ops_chat_id,omitempty"`
	OpsThreadID  int     `json:"ops_thread_id,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

// HTTPConfig controls the ops server (health, metrics, pprof, admin API).
//
// Prefer a loopback address. A non-loopback bind needs a token unless
// allow_insecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default 127.0.0.1:8089
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Metrics       *bool  `json:"metrics,omitempty"` // default true
}
