// Package settings manages the cached runtime settings of strategies and
// subscriptions, the per-candle execution locks, and the last-run status
// hashes. The durable store stays the source of truth; everything here can
// be rebuilt from it.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/stratforge/stratd/internal/domain"
)

// UpdateChannel returns the pub/sub channel notified after a versioned
// settings update for one strategy.
func UpdateChannel(strategyID string) string {
	return "strategy:" + strategyID + ":settings:updated"
}

// DefaultSubscriptionTTL bounds the per-subscription settings hash.
const DefaultSubscriptionTTL = 24 * time.Hour

// Service implements the settings and distributed-lock operations.
type Service struct {
	cache      domain.SettingsCache
	locks      domain.LockManager
	signals    domain.SignalBus
	strategies domain.StrategyStore
	logger     *slog.Logger

	subscriptionTTL time.Duration
}

// New creates a settings Service. A non-positive subscriptionTTL falls back
// to DefaultSubscriptionTTL.
func New(cache domain.SettingsCache, locks domain.LockManager, signals domain.SignalBus, strategies domain.StrategyStore, subscriptionTTL time.Duration, logger *slog.Logger) *Service {
	if subscriptionTTL <= 0 {
		subscriptionTTL = DefaultSubscriptionTTL
	}
	return &Service{
		cache:           cache,
		locks:           locks,
		signals:         signals,
		strategies:      strategies,
		logger:          logger.With(slog.String("component", "settings")),
		subscriptionTTL: subscriptionTTL,
	}
}

// ---------------------------------------------------------------------------
// Strategy settings
// ---------------------------------------------------------------------------

// StrategySettings is the decoded strategy settings hash.
type StrategySettings struct {
	Config  domain.ExecutionConfig
	Kind    domain.StrategyKind
	Version int64
}

// Fields renders the settings as the flat string map handed to runtime
// subprocesses, the same shape as the cache hash.
func (s StrategySettings) Fields() map[string]string {
	return encodeStrategySettings(s.Config, s.Kind, s.Version)
}

// InitializeStrategy writes the full settings hash for a strategy at the
// given version. The first write is silent; use UpdateStrategySettings for
// versioned, published updates.
func (s *Service) InitializeStrategy(ctx context.Context, strategyID string, cfg domain.ExecutionConfig, kind domain.StrategyKind, version int64) error {
	if strategyID == "" {
		return fmt.Errorf("settings: initialize strategy: %w", domain.ErrEmptyIdentifier)
	}
	fields := encodeStrategySettings(cfg, kind, version)
	if err := s.cache.SetStrategySettings(ctx, strategyID, fields); err != nil {
		return fmt.Errorf("settings: initialize strategy %s: %w", strategyID, err)
	}
	return nil
}

// GetStrategySettings returns the settings for a strategy, cache-first. A
// cache miss loads the durable strategy and hydrates the hash. Symbol and
// resolution are required; their absence is domain.ErrMissingStrategyConfig.
func (s *Service) GetStrategySettings(ctx context.Context, strategyID string) (StrategySettings, error) {
	fields, err := s.cache.GetStrategySettings(ctx, strategyID)
	if err == nil {
		settings := decodeStrategySettings(fields)
		if !settings.Config.Complete() {
			return StrategySettings{}, fmt.Errorf("settings: strategy %s: %w", strategyID, domain.ErrMissingStrategyConfig)
		}
		return settings, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return StrategySettings{}, fmt.Errorf("settings: get strategy %s: %w", strategyID, err)
	}

	// Cache miss: hydrate from the durable store.
	strat, err := s.strategies.GetByID(ctx, strategyID)
	if err != nil {
		return StrategySettings{}, fmt.Errorf("settings: load strategy %s: %w", strategyID, err)
	}
	if !strat.Config.Complete() {
		return StrategySettings{}, fmt.Errorf("settings: strategy %s: %w", strategyID, domain.ErrMissingStrategyConfig)
	}

	settings := StrategySettings{Config: strat.Config, Kind: strat.Kind, Version: 1}
	if err := s.InitializeStrategy(ctx, strategyID, settings.Config, settings.Kind, settings.Version); err != nil {
		// Serving the loaded settings matters more than the hydration write.
		s.logger.Warn("strategy settings hydration failed",
			slog.String("strategy_id", strategyID),
			slog.String("error", err.Error()))
	}
	return settings, nil
}

// UpdateStrategySettings merges a field patch into the settings hash,
// increments the version, and (when publish is set) notifies the update
// channel so other processes invalidate derived state.
func (s *Service) UpdateStrategySettings(ctx context.Context, strategyID string, patch map[string]string, publish bool) (int64, error) {
	current, err := s.cache.GetStrategySettings(ctx, strategyID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("settings: update strategy %s: %w", strategyID, err)
	}

	version := parseInt64(current["version"]) + 1

	merged := make(map[string]string, len(current)+len(patch)+1)
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	merged["version"] = strconv.FormatInt(version, 10)

	if err := s.cache.SetStrategySettings(ctx, strategyID, merged); err != nil {
		return 0, fmt.Errorf("settings: update strategy %s: %w", strategyID, err)
	}

	if publish {
		payload := []byte(strconv.FormatInt(version, 10))
		if err := s.signals.Publish(ctx, UpdateChannel(strategyID), payload); err != nil {
			s.logger.Warn("settings update publish failed",
				slog.String("strategy_id", strategyID),
				slog.String("error", err.Error()))
		}
	}

	s.logger.InfoContext(ctx, "strategy settings updated",
		slog.String("strategy_id", strategyID),
		slog.Int64("version", version))
	return version, nil
}

// ---------------------------------------------------------------------------
// Subscription settings
// ---------------------------------------------------------------------------

// InitializeSubscription hydrates the effective per-subscription settings
// hash with the configured TTL.
func (s *Service) InitializeSubscription(ctx context.Context, userID, strategyID string, effective domain.EffectiveSettings) error {
	if userID == "" || strategyID == "" {
		return fmt.Errorf("settings: initialize subscription: %w", domain.ErrEmptyIdentifier)
	}
	fields := encodeEffectiveSettings(effective)
	if err := s.cache.SetSubscriptionSettings(ctx, userID, strategyID, fields, s.subscriptionTTL); err != nil {
		return fmt.Errorf("settings: initialize subscription %s/%s: %w", userID, strategyID, err)
	}
	return nil
}

// GetSubscriptionSettings returns the effective settings for one
// subscriber. domain.ErrNotFound means missing or expired.
func (s *Service) GetSubscriptionSettings(ctx context.Context, userID, strategyID string) (domain.EffectiveSettings, error) {
	fields, err := s.cache.GetSubscriptionSettings(ctx, userID, strategyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.EffectiveSettings{}, domain.ErrNotFound
		}
		return domain.EffectiveSettings{}, fmt.Errorf("settings: get subscription %s/%s: %w", userID, strategyID, err)
	}
	return decodeEffectiveSettings(fields), nil
}

// UpdateSubscriptionSettings partially merges fields into the hash and
// refreshes its TTL.
func (s *Service) UpdateSubscriptionSettings(ctx context.Context, userID, strategyID string, patch map[string]string) error {
	if err := s.cache.MergeSubscriptionSettings(ctx, userID, strategyID, patch, s.subscriptionTTL); err != nil {
		return fmt.Errorf("settings: update subscription %s/%s: %w", userID, strategyID, err)
	}
	return nil
}

// DeactivateSubscription flips the cached is_active flag off so the
// execution path skips the subscriber even before the durable row is read.
func (s *Service) DeactivateSubscription(ctx context.Context, userID, strategyID string) error {
	return s.UpdateSubscriptionSettings(ctx, userID, strategyID, map[string]string{"is_active": "false"})
}

// ---------------------------------------------------------------------------
// Execution locks and status
// ---------------------------------------------------------------------------

// lockKey formats the distributed execution lock key for one candle of one
// strategy. The lock manager prefixes "lock:".
func lockKey(strategyID, intervalKey string) string {
	return "strategy:" + strategyID + ":run:" + intervalKey
}

// AcquireLock takes the per-(strategy, interval) execution lock. It returns
// domain.ErrLockHeld when another worker owns the candle; the caller then
// records SKIPPED. The returned unlock is an escape hatch — the normal path
// drops it and lets the TTL expire.
func (s *Service) AcquireLock(ctx context.Context, strategyID, intervalKey string, ttl time.Duration, workerID string) (func(), error) {
	unlock, err := s.locks.Acquire(ctx, lockKey(strategyID, intervalKey), workerID, ttl)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, domain.ErrLockHeld
		}
		return nil, fmt.Errorf("settings: acquire lock %s/%s: %w", strategyID, intervalKey, err)
	}
	return unlock, nil
}

// ReleaseLock force-releases a lock regardless of owner. Operational repair
// only.
func (s *Service) ReleaseLock(ctx context.Context, strategyID, intervalKey string) error {
	return s.locks.Release(ctx, lockKey(strategyID, intervalKey))
}

// UpdateExecutionStatus merges fields into the strategy's execution status
// hash (last run, last signal, duration).
func (s *Service) UpdateExecutionStatus(ctx context.Context, strategyID string, fields map[string]string) error {
	if err := s.cache.SetExecutionStatus(ctx, strategyID, fields); err != nil {
		return fmt.Errorf("settings: update execution status %s: %w", strategyID, err)
	}
	return nil
}

// GetExecutionStatus returns the execution status hash.
func (s *Service) GetExecutionStatus(ctx context.Context, strategyID string) (map[string]string, error) {
	fields, err := s.cache.GetExecutionStatus(ctx, strategyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("settings: get execution status %s: %w", strategyID, err)
	}
	return fields, nil
}
