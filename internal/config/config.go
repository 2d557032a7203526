// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Commands exit if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
// Field defaults match .env.example.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"           envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"  envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Auth ─────────────────────────────────────────────────────────────────────
	// Bearer key for the admin API. Required in production; when empty in
	// development the API runs unauthenticated.
	AdminAPIKey string `env:"ADMIN_API_KEY"`

	// ── Queue ────────────────────────────────────────────────────────────────────
	QueuePollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"300ms"`
	QueueErrorBackoff time.Duration `env:"QUEUE_ERROR_BACKOFF" envDefault:"1s"`
	// Queues maps queue name to worker concurrency, e.g. "webhook:4,email:2".
	Queues map[string]int `env:"QUEUES" envSeparator:"," envKeyValSeparator:":" envDefault:"webhook:4,email:2"`

	// ── Maintenance ──────────────────────────────────────────────────────────────
	// ReclaimAfter > 0 re-queues jobs stuck in active longer than this; 0 disables.
	ReclaimAfter      time.Duration `env:"RECLAIM_AFTER"      envDefault:"0"`
	ReclaimInterval   time.Duration `env:"RECLAIM_INTERVAL"   envDefault:"1m"`
	RetentionEnabled  bool          `env:"RETENTION_ENABLED"  envDefault:"false"`
	RetentionGrace    time.Duration `env:"RETENTION_GRACE"    envDefault:"168h"`
	RetentionInterval time.Duration `env:"RETENTION_INTERVAL" envDefault:"1h"`

	// ── Webhook delivery ─────────────────────────────────────────────────────────
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"dispatchq@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	// Comma-separated CIDRs of trusted reverse proxies; empty = no proxy.
	TrustedProxies    string        `env:"TRUSTED_PROXIES"`
	RateLimitEvictTTL time.Duration `env:"RATE_LIMIT_EVICT_TTL" envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
