package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratforge/stratd/internal/domain"
)

// SettingsCache implements domain.SettingsCache on Redis hashes.
//
// Key schema:
//
//	strategy:{id}:settings                    - strategy execution config + version
//	subscription:{user}:{strategy}:settings   - effective per-user settings, TTL bound
//	strategy:{id}:execution:status            - last run / last signal / duration
type SettingsCache struct {
	rdb *redis.Client
}

// NewSettingsCache creates a SettingsCache backed by the given Client.
func NewSettingsCache(c *Client) *SettingsCache {
	return &SettingsCache{rdb: c.Underlying()}
}

func strategySettingsKey(id string) string {
	return "strategy:" + id + ":settings"
}

func subscriptionSettingsKey(userID, strategyID string) string {
	return "subscription:" + userID + ":" + strategyID + ":settings"
}

func executionStatusKey(id string) string {
	return "strategy:" + id + ":execution:status"
}

// SetStrategySettings writes the full strategy settings hash.
func (sc *SettingsCache) SetStrategySettings(ctx context.Context, strategyID string, fields map[string]string) error {
	if err := sc.rdb.HSet(ctx, strategySettingsKey(strategyID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set strategy settings %s: %w", strategyID, err)
	}
	return nil
}

// GetStrategySettings returns the strategy settings hash, or
// domain.ErrNotFound when the strategy has never been hydrated.
func (sc *SettingsCache) GetStrategySettings(ctx context.Context, strategyID string) (map[string]string, error) {
	fields, err := sc.rdb.HGetAll(ctx, strategySettingsKey(strategyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get strategy settings %s: %w", strategyID, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return fields, nil
}

// DropStrategySettings deletes the settings hash so the next read re-hydrates
// from the durable store.
func (sc *SettingsCache) DropStrategySettings(ctx context.Context, strategyID string) error {
	if err := sc.rdb.Del(ctx, strategySettingsKey(strategyID)).Err(); err != nil {
		return fmt.Errorf("redis: drop strategy settings %s: %w", strategyID, err)
	}
	return nil
}

// SetSubscriptionSettings writes the effective per-subscription settings
// hash with a TTL bound.
func (sc *SettingsCache) SetSubscriptionSettings(ctx context.Context, userID, strategyID string, fields map[string]string, ttl time.Duration) error {
	key := subscriptionSettingsKey(userID, strategyID)

	pipe := sc.rdb.TxPipeline()
	pipe.Del(ctx, key) // full replace, no stale fields
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set subscription settings %s/%s: %w", userID, strategyID, err)
	}
	return nil
}

// GetSubscriptionSettings returns the per-subscription settings hash, or
// domain.ErrNotFound when missing or expired.
func (sc *SettingsCache) GetSubscriptionSettings(ctx context.Context, userID, strategyID string) (map[string]string, error) {
	fields, err := sc.rdb.HGetAll(ctx, subscriptionSettingsKey(userID, strategyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get subscription settings %s/%s: %w", userID, strategyID, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return fields, nil
}

// MergeSubscriptionSettings overwrites only the given fields and refreshes
// the TTL, leaving other fields intact.
func (sc *SettingsCache) MergeSubscriptionSettings(ctx context.Context, userID, strategyID string, fields map[string]string, ttl time.Duration) error {
	key := subscriptionSettingsKey(userID, strategyID)

	pipe := sc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: merge subscription settings %s/%s: %w", userID, strategyID, err)
	}
	return nil
}

// SetExecutionStatus merges fields into the per-strategy execution status
// hash.
func (sc *SettingsCache) SetExecutionStatus(ctx context.Context, strategyID string, fields map[string]string) error {
	if err := sc.rdb.HSet(ctx, executionStatusKey(strategyID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set execution status %s: %w", strategyID, err)
	}
	return nil
}

// GetExecutionStatus returns the execution status hash; an empty hash maps
// to domain.ErrNotFound.
func (sc *SettingsCache) GetExecutionStatus(ctx context.Context, strategyID string) (map[string]string, error) {
	fields, err := sc.rdb.HGetAll(ctx, executionStatusKey(strategyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get execution status %s: %w", strategyID, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return fields, nil
}

// Compile-time interface check.
var _ domain.SettingsCache = (*SettingsCache)(nil)
