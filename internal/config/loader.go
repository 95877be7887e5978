package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies environment variable overrides, and returns the
// final Config. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if cfg.Engine.WorkerID == "" {
		cfg.Engine.WorkerID = fmt.Sprintf("scheduler-%d", os.Getpid())
	}

	return &cfg, nil
}

// applyEnvOverrides reads well-known environment variables and overwrites
// the corresponding Config fields when a variable is set (i.e. not empty).
// The bare names (REDIS_HOST, DATABASE_URL, WORKER_ID, NODE_ENV) are the
// contract with the deployment environment; everything else is namespaced
// under STRATD_*.
func applyEnvOverrides(cfg *Config) {
	// ── Deployment contract, bare names ──
	setStr(&cfg.Redis.Host, "REDIS_HOST")
	setInt(&cfg.Redis.Port, "REDIS_PORT")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Engine.WorkerID, "WORKER_ID")
	setStr(&cfg.Environment, "NODE_ENV")

	// ── Database ──
	setStr(&cfg.Database.URL, "STRATD_DATABASE_URL")
	setStr(&cfg.Database.Host, "STRATD_DATABASE_HOST")
	setInt(&cfg.Database.Port, "STRATD_DATABASE_PORT")
	setStr(&cfg.Database.Database, "STRATD_DATABASE_NAME")
	setStr(&cfg.Database.User, "STRATD_DATABASE_USER")
	setStr(&cfg.Database.Password, "STRATD_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "STRATD_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "STRATD_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "STRATD_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "STRATD_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Host, "STRATD_REDIS_HOST")
	setInt(&cfg.Redis.Port, "STRATD_REDIS_PORT")
	setStr(&cfg.Redis.Password, "STRATD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STRATD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STRATD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STRATD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STRATD_REDIS_TLS_ENABLED")

	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "STRATD_BROKER_BASE_URL")
	setDuration(&cfg.Broker.Timeout, "STRATD_BROKER_TIMEOUT")
	setInt(&cfg.Broker.MaxRetries, "STRATD_BROKER_MAX_RETRIES")
	setBool(&cfg.Broker.DryRun, "STRATD_BROKER_DRY_RUN")

	// ── Runtime ──
	setStr(&cfg.Runtime.PythonBin, "STRATD_RUNTIME_PYTHON_BIN")
	setStr(&cfg.Runtime.StrategiesDir, "STRATD_RUNTIME_STRATEGIES_DIR")
	setStr(&cfg.Runtime.LegacyRunner, "STRATD_RUNTIME_LEGACY_RUNNER")
	setStr(&cfg.Runtime.MultiTenantRunner, "STRATD_RUNTIME_MULTI_TENANT_RUNNER")
	setStr(&cfg.Runtime.LiveTraderRunner, "STRATD_RUNTIME_LIVETRADER_RUNNER")
	setDuration(&cfg.Runtime.LegacyTimeout, "STRATD_RUNTIME_LEGACY_TIMEOUT")
	setDuration(&cfg.Runtime.WrapperTimeout, "STRATD_RUNTIME_WRAPPER_TIMEOUT")

	// ── Engine ──
	setStr(&cfg.Engine.WorkerID, "STRATD_ENGINE_WORKER_ID")
	setFloat64(&cfg.Engine.MinQuantity, "STRATD_ENGINE_MIN_QUANTITY")
	setDuration(&cfg.Engine.PositionLookupDelay, "STRATD_ENGINE_POSITION_LOOKUP_DELAY")
	setDuration(&cfg.Engine.SubscriptionSettingsTTL, "STRATD_ENGINE_SUBSCRIPTION_SETTINGS_TTL")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.RefreshInterval, "STRATD_SCHEDULER_REFRESH_INTERVAL")
	setDuration(&cfg.Scheduler.ReconcileInterval, "STRATD_SCHEDULER_RECONCILE_INTERVAL")
	setDuration(&cfg.Scheduler.HeartbeatInterval, "STRATD_SCHEDULER_HEARTBEAT_INTERVAL")

	// ── Vault ──
	setStr(&cfg.Vault.Passphrase, "STRATD_VAULT_PASSPHRASE")
	setStr(&cfg.Vault.PassphraseFile, "STRATD_VAULT_PASSPHRASE_FILE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "STRATD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STRATD_S3_REGION")
	setStr(&cfg.S3.Bucket, "STRATD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STRATD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STRATD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STRATD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STRATD_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "STRATD_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "STRATD_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "STRATD_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Archive.DeleteAfterArchive, "STRATD_ARCHIVE_DELETE_AFTER_ARCHIVE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "STRATD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "STRATD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "STRATD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIToken, "STRATD_SERVER_API_TOKEN")
	setInt(&cfg.Server.RateLimitPerMin, "STRATD_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STRATD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STRATD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STRATD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STRATD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "STRATD_MODE")
	setStr(&cfg.Environment, "STRATD_ENVIRONMENT")
	setStr(&cfg.LogLevel, "STRATD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
