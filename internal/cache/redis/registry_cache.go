package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/stratforge/stratd/internal/domain"
)

// RegistryCache implements domain.RegistryCache on Redis sets and hashes.
//
// Key schema:
//
//	candle:{symbol}:{resolution} - set of strategy IDs needing that candle
//	strategy:{id}:config         - hash with fields "symbol", "resolution"
type RegistryCache struct {
	rdb *redis.Client
}

// NewRegistryCache creates a RegistryCache backed by the given Client.
func NewRegistryCache(c *Client) *RegistryCache {
	return &RegistryCache{rdb: c.Underlying()}
}

func candleKey(symbol, resolution string) string {
	return "candle:" + symbol + ":" + resolution
}

func registrationKey(strategyID string) string {
	return "strategy:" + strategyID + ":config"
}

// AddMember adds a strategy to the candle membership set.
func (rc *RegistryCache) AddMember(ctx context.Context, symbol, resolution, strategyID string) error {
	if err := rc.rdb.SAdd(ctx, candleKey(symbol, resolution), strategyID).Err(); err != nil {
		return fmt.Errorf("redis: add member %s to %s:%s: %w", strategyID, symbol, resolution, err)
	}
	return nil
}

// RemoveMember removes a strategy from the candle membership set and deletes
// the set's key once empty. It returns the number of remaining members.
func (rc *RegistryCache) RemoveMember(ctx context.Context, symbol, resolution, strategyID string) (int64, error) {
	key := candleKey(symbol, resolution)

	pipe := rc.rdb.TxPipeline()
	pipe.SRem(ctx, key, strategyID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: remove member %s from %s:%s: %w", strategyID, symbol, resolution, err)
	}

	remaining := card.Val()
	if remaining == 0 {
		if err := rc.rdb.Del(ctx, key).Err(); err != nil {
			return 0, fmt.Errorf("redis: delete empty candle key %s: %w", key, err)
		}
	}
	return remaining, nil
}

// Members returns the strategy IDs registered for a candle.
func (rc *RegistryCache) Members(ctx context.Context, symbol, resolution string) ([]string, error) {
	ids, err := rc.rdb.SMembers(ctx, candleKey(symbol, resolution)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: members of %s:%s: %w", symbol, resolution, err)
	}
	return ids, nil
}

// IsMember reports whether a strategy is registered for a candle.
func (rc *RegistryCache) IsMember(ctx context.Context, symbol, resolution, strategyID string) (bool, error) {
	ok, err := rc.rdb.SIsMember(ctx, candleKey(symbol, resolution), strategyID).Result()
	if err != nil {
		return false, fmt.Errorf("redis: is member %s of %s:%s: %w", strategyID, symbol, resolution, err)
	}
	return ok, nil
}

// ActiveCandles enumerates every candle:* key. KEYS is acceptable here: the
// candle keyspace is small (one key per distinct symbol+resolution pair) and
// the call sits on admin/reconcile paths, not the hot path.
func (rc *RegistryCache) ActiveCandles(ctx context.Context) ([]domain.CandleKey, error) {
	keys, err := rc.rdb.Keys(ctx, "candle:*").Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list candle keys: %w", err)
	}

	candles := make([]domain.CandleKey, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(k, "candle:")
		i := strings.LastIndex(rest, ":")
		if i <= 0 || i == len(rest)-1 {
			continue // malformed key, reconciler will clean it up
		}
		candles = append(candles, domain.CandleKey{
			Symbol:     rest[:i],
			Resolution: rest[i+1:],
		})
	}
	return candles, nil
}

// SetRegistration records the (symbol, resolution) a strategy is registered
// under so unregistration works even after the strategy row changed.
func (rc *RegistryCache) SetRegistration(ctx context.Context, strategyID, symbol, resolution string) error {
	fields := map[string]string{"symbol": symbol, "resolution": resolution}
	if err := rc.rdb.HSet(ctx, registrationKey(strategyID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set registration %s: %w", strategyID, err)
	}
	return nil
}

// GetRegistration returns the stored (symbol, resolution) for a strategy.
// It returns domain.ErrNotFound when no registration exists.
func (rc *RegistryCache) GetRegistration(ctx context.Context, strategyID string) (string, string, error) {
	fields, err := rc.rdb.HGetAll(ctx, registrationKey(strategyID)).Result()
	if err != nil {
		return "", "", fmt.Errorf("redis: get registration %s: %w", strategyID, err)
	}
	if len(fields) == 0 {
		return "", "", domain.ErrNotFound
	}
	return fields["symbol"], fields["resolution"], nil
}

// DropRegistration removes a strategy's registration hash.
func (rc *RegistryCache) DropRegistration(ctx context.Context, strategyID string) error {
	if err := rc.rdb.Del(ctx, registrationKey(strategyID)).Err(); err != nil {
		return fmt.Errorf("redis: drop registration %s: %w", strategyID, err)
	}
	return nil
}

// Clear removes every candle set and registration hash. Admin path.
func (rc *RegistryCache) Clear(ctx context.Context) error {
	for _, pattern := range []string{"candle:*", "strategy:*:config"} {
		keys, err := rc.rdb.Keys(ctx, pattern).Result()
		if err != nil {
			return fmt.Errorf("redis: clear %s: %w", pattern, err)
		}
		if len(keys) == 0 {
			continue
		}
		if err := rc.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis: clear %s: %w", pattern, err)
		}
	}
	return nil
}

// Compile-time interface check.
var _ domain.RegistryCache = (*RegistryCache)(nil)
