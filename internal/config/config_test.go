package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "worker"
	cfg.LogLevel = "verbose"
	cfg.Redis.Host = ""
	cfg.Broker.Timeout = duration{0}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "worker"`)
	assert.Contains(t, msg, `unknown log_level "verbose"`)
	assert.Contains(t, msg, "redis: host must not be empty")
	assert.Contains(t, msg, "broker: timeout must be > 0")
}

func TestValidateModeCaseInsensitive(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "Scheduler"
	assert.NoError(t, cfg.Validate())
}

func TestValidateDatabaseURLSkipsHostChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Database.URL = "postgres://u:p@db.internal:5432/stratd"
	cfg.Database.Host = ""
	cfg.Database.Port = 0
	cfg.Database.Database = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidateArchiveRequiresS3(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.Enabled = true
	cfg.S3.Bucket = ""
	cfg.Archive.RetentionDays = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket must not be empty")
	assert.Contains(t, err.Error(), "archive: retention_days must be >= 1")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "scheduler"
log_level = "debug"

[redis]
host = "cache.internal"
port = 6380

[broker]
timeout = "30s"

[scheduler]
reconcile_interval = "2m"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "scheduler", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "cache.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, 30*time.Second, cfg.Broker.Timeout.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.ReconcileInterval.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, "https://api.bybit.com", cfg.Broker.BaseURL)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[redis]
host = "from-file"
`), 0o644))

	t.Setenv("REDIS_HOST", "from-env")
	t.Setenv("REDIS_PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://u:p@env-db:5432/stratd")
	t.Setenv("STRATD_SERVER_RATE_LIMIT_PER_MIN", "240")
	t.Setenv("STRATD_BROKER_TIMEOUT", "45s")
	t.Setenv("STRATD_NOTIFY_EVENTS", "strategy.execution.error, trade.created ,")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Redis.Host)
	assert.Equal(t, 7000, cfg.Redis.Port)
	assert.Equal(t, "postgres://u:p@env-db:5432/stratd", cfg.Database.URL)
	assert.Equal(t, 240, cfg.Server.RateLimitPerMin)
	assert.Equal(t, 45*time.Second, cfg.Broker.Timeout.Duration)
	assert.Equal(t, []string{"strategy.execution.error", "trade.created"}, cfg.Notify.Events)
}

func TestWorkerIDDefaultsToPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Regexp(t, `^scheduler-\d+$`, cfg.Engine.WorkerID)

	t.Setenv("WORKER_ID", "node-7")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-7", cfg.Engine.WorkerID)
}

func TestInvalidEnvValuesIgnored(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-number")
	t.Setenv("STRATD_BROKER_TIMEOUT", "soon")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, 10*time.Second, cfg.Broker.Timeout.Duration)
}
