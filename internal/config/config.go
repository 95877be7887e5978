// Package config defines the top-level configuration for the strategy
// execution engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by environment variables (the
// bare names REDIS_*, DATABASE_URL, WORKER_ID, NODE_ENV plus STRATD_*
// prefixed overrides for everything else).
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Broker    BrokerConfig    `toml:"broker"`
	Runtime   RuntimeConfig   `toml:"runtime"`
	Engine    EngineConfig    `toml:"engine"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Vault     VaultConfig     `toml:"vault"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`

	// Mode selects what this process runs: "scheduler", "api" or "full".
	Mode string `toml:"mode"`
	// Environment mirrors NODE_ENV from the deployment environment.
	Environment string `toml:"environment"`
	LogLevel    string `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Host and port are kept
// separate because deployments inject them as REDIS_HOST / REDIS_PORT.
type RedisConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// Addr renders the host:port pair for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// BrokerConfig holds the exchange REST endpoint parameters.
type BrokerConfig struct {
	BaseURL    string   `toml:"base_url"`
	Timeout    duration `toml:"timeout"`
	MaxRetries int      `toml:"max_retries"`
	// DryRun short-circuits order placement; sizing and precision checks
	// still run.
	DryRun bool `toml:"dry_run"`
}

// RuntimeConfig holds the strategy subprocess parameters.
type RuntimeConfig struct {
	PythonBin        string   `toml:"python_bin"`
	StrategiesDir    string   `toml:"strategies_dir"`
	LegacyRunner     string   `toml:"legacy_runner"`
	MultiTenantRunner string  `toml:"multi_tenant_runner"`
	LiveTraderRunner string   `toml:"livetrader_runner"`
	LegacyTimeout    duration `toml:"legacy_timeout"`
	WrapperTimeout   duration `toml:"wrapper_timeout"`
}

// EngineConfig holds execution coordinator parameters.
type EngineConfig struct {
	WorkerID string `toml:"worker_id"`
	// MinQuantity is the platform minimum order size for the primary
	// futures pair; computed sizes below it are clamped up.
	MinQuantity float64 `toml:"min_quantity"`
	// PositionLookupDelay is how long to wait after an entry fill before
	// asking the broker for the resulting position.
	PositionLookupDelay duration `toml:"position_lookup_delay"`
	// SubscriptionSettingsTTL bounds the per-subscription settings hash.
	SubscriptionSettingsTTL duration `toml:"subscription_settings_ttl"`
}

// SchedulerConfig holds the periodic job cadences.
type SchedulerConfig struct {
	RefreshInterval   duration `toml:"refresh_interval"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
}

// VaultConfig holds the credential-encryption master key source.
type VaultConfig struct {
	Passphrase     string `toml:"passphrase"`
	PassphraseFile string `toml:"passphrase_file"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled            bool   `toml:"enabled"`
	Cron               string `toml:"cron"`
	RetentionDays      int    `toml:"retention_days"`
	DeleteAfterArchive bool   `toml:"delete_after_archive"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIToken, when set, is required as a bearer token on every request.
	APIToken string `toml:"api_token"`
	// RateLimitPerMin caps requests per client IP per minute. Zero disables
	// limiting.
	RateLimitPerMin int `toml:"rate_limit_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stratd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Host:       "localhost",
			Port:       6379,
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Broker: BrokerConfig{
			BaseURL:    "https://api.bybit.com",
			Timeout:    duration{10 * time.Second},
			MaxRetries: 3,
			DryRun:     false,
		},
		Runtime: RuntimeConfig{
			PythonBin:         "python3",
			StrategiesDir:     "strategies",
			LegacyRunner:      "runners/strategy_runner.py",
			MultiTenantRunner: "runners/multi_tenant_runner.py",
			LiveTraderRunner:  "runners/livetrader_runner.py",
			LegacyTimeout:     duration{5 * time.Minute},
			WrapperTimeout:    duration{10 * time.Minute},
		},
		Engine: EngineConfig{
			WorkerID:                "", // defaults to scheduler-{pid} at load
			MinQuantity:             0.007,
			PositionLookupDelay:     duration{2 * time.Second},
			SubscriptionSettingsTTL: duration{24 * time.Hour},
		},
		Scheduler: SchedulerConfig{
			RefreshInterval:   duration{time.Minute},
			ReconcileInterval: duration{5 * time.Minute},
			HeartbeatInterval: duration{time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "stratd-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:            false,
			Cron:               "0 3 * * *",
			RetentionDays:      90,
			DeleteAfterArchive: false,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"strategy.execution.error", "trade.created"},
		},
		Mode:        "full",
		Environment: "development",
		LogLevel:    "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"scheduler": true,
	"api":       true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: scheduler, api, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	if strings.TrimSpace(c.Database.URL) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.url)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Host == "" {
		errs = append(errs, "redis: host must not be empty")
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("redis: port must be 1-65535, got %d", c.Redis.Port))
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Broker
	if c.Broker.BaseURL == "" {
		errs = append(errs, "broker: base_url must not be empty")
	}
	if c.Broker.Timeout.Duration <= 0 {
		errs = append(errs, "broker: timeout must be > 0")
	}

	// Runtime
	if c.Runtime.PythonBin == "" {
		errs = append(errs, "runtime: python_bin must not be empty")
	}
	if c.Runtime.StrategiesDir == "" {
		errs = append(errs, "runtime: strategies_dir must not be empty")
	}
	if c.Runtime.LegacyTimeout.Duration <= 0 {
		errs = append(errs, "runtime: legacy_timeout must be > 0")
	}
	if c.Runtime.WrapperTimeout.Duration <= 0 {
		errs = append(errs, "runtime: wrapper_timeout must be > 0")
	}

	// Engine
	if c.Engine.MinQuantity < 0 {
		errs = append(errs, "engine: min_quantity must be >= 0")
	}
	if c.Engine.SubscriptionSettingsTTL.Duration <= 0 {
		errs = append(errs, "engine: subscription_settings_ttl must be > 0")
	}

	// Scheduler
	if c.Scheduler.RefreshInterval.Duration <= 0 {
		errs = append(errs, "scheduler: refresh_interval must be > 0")
	}
	if c.Scheduler.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "scheduler: reconcile_interval must be > 0")
	}
	if c.Scheduler.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "scheduler: heartbeat_interval must be > 0")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMin < 0 {
			errs = append(errs, "server: rate_limit_per_min must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
