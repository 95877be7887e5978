package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	s3blob "github.com/stratforge/stratd/internal/blob/s3"
	"github.com/stratforge/stratd/internal/broker"
	"github.com/stratforge/stratd/internal/broker/bybit"
	"github.com/stratforge/stratd/internal/bus"
	"github.com/stratforge/stratd/internal/cache/redis"
	"github.com/stratforge/stratd/internal/config"
	"github.com/stratforge/stratd/internal/crypto"
	"github.com/stratforge/stratd/internal/domain"
	"github.com/stratforge/stratd/internal/notify"
	"github.com/stratforge/stratd/internal/store/postgres"
)

// Dependencies bundles every infrastructure-level dependency the application
// modes build their services on. It is constructed by Wire and torn down by
// the returned cleanup function.
type Dependencies struct {
	// Raw clients, kept for health checks.
	Postgres *postgres.Client
	Redis    *redis.Client

	// Stores
	StrategyStore     domain.StrategyStore
	SubscriptionStore domain.SubscriptionStore
	ExecutionStore    domain.ExecutionStore
	TradeStore        domain.TradeStore
	CredentialStore   domain.CredentialStore
	AuditStore        domain.AuditStore

	// Caches and coordination
	RegistryCache domain.RegistryCache
	SettingsCache domain.SettingsCache
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus
	RateLimiter   domain.RateLimiter

	// In-process event stream feeding the WebSocket hub and notifications.
	Bus domain.EventBus

	// Credential encryption
	Vault *crypto.Vault

	// Exchange client, shared across all tenants.
	Broker broker.Client

	// Blob storage, only when archival is enabled.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that must
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.URL,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.StrategyStore = postgres.NewStrategyStore(pool)
	deps.SubscriptionStore = postgres.NewSubscriptionStore(pool)
	deps.ExecutionStore = postgres.NewExecutionStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.CredentialStore = postgres.NewCredentialStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr(),
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.RegistryCache = redis.NewRegistryCache(redisClient)
	deps.SettingsCache = redis.NewSettingsCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	// --- In-process event bus ---
	eventBus := bus.New(logger)
	closers = append(closers, eventBus.Close)
	deps.Bus = eventBus

	// --- Credential vault ---
	passphrase, err := resolveVaultPassphrase(cfg.Vault)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: vault: %w", err)
	}
	vault, err := crypto.NewVault(passphrase)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: vault: %w", err)
	}
	deps.Vault = vault

	// --- Exchange client ---
	deps.Broker = bybit.New(bybit.Config{
		BaseURL:    cfg.Broker.BaseURL,
		Timeout:    cfg.Broker.Timeout.Duration,
		MaxRetries: cfg.Broker.MaxRetries,
		DryRun:     cfg.Broker.DryRun,
	}, logger)

	// --- S3 blob storage (only when archival is enabled) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.ExecutionStore,
			deps.TradeStore,
			deps.AuditStore,
			s3blob.ArchiverConfig{DeleteAfterArchive: cfg.Archive.DeleteAfterArchive},
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// resolveVaultPassphrase returns the credential-encryption passphrase from
// the inline config value or, when set, the passphrase file. The file form
// exists for deployments that mount secrets as files.
func resolveVaultPassphrase(cfg config.VaultConfig) (string, error) {
	if cfg.PassphraseFile != "" {
		raw, err := os.ReadFile(cfg.PassphraseFile)
		if err != nil {
			return "", fmt.Errorf("read passphrase file: %w", err)
		}
		passphrase := strings.TrimSpace(string(raw))
		if passphrase == "" {
			return "", fmt.Errorf("passphrase file %s is empty", cfg.PassphraseFile)
		}
		return passphrase, nil
	}
	if cfg.Passphrase == "" {
		return "", fmt.Errorf("no passphrase configured (set vault.passphrase or vault.passphrase_file)")
	}
	return cfg.Passphrase, nil
}
