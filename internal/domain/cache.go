package domain

import (
	"context"
	"time"
)

// CandleKey identifies one candle stream.
type CandleKey struct {
	Symbol     string
	Resolution string
}

// RegistryCache is the shared candle→strategies index plus the per-strategy
// registration config hashes.
type RegistryCache interface {
	AddMember(ctx context.Context, symbol, resolution, strategyID string) error
	// RemoveMember removes the strategy and reports how many members remain;
	// the empty set's key is deleted by the implementation.
	RemoveMember(ctx context.Context, symbol, resolution, strategyID string) (remaining int64, err error)
	Members(ctx context.Context, symbol, resolution string) ([]string, error)
	IsMember(ctx context.Context, symbol, resolution, strategyID string) (bool, error)
	ActiveCandles(ctx context.Context) ([]CandleKey, error)
	SetRegistration(ctx context.Context, strategyID, symbol, resolution string) error
	GetRegistration(ctx context.Context, strategyID string) (symbol, resolution string, err error)
	DropRegistration(ctx context.Context, strategyID string) error
	// Clear removes every candle:* set and strategy:*:config hash.
	Clear(ctx context.Context) error
}

// SettingsCache stores strategy settings, per-subscription settings and the
// per-strategy execution status, all as string hashes.
type SettingsCache interface {
	SetStrategySettings(ctx context.Context, strategyID string, fields map[string]string) error
	GetStrategySettings(ctx context.Context, strategyID string) (map[string]string, error)
	DropStrategySettings(ctx context.Context, strategyID string) error

	SetSubscriptionSettings(ctx context.Context, userID, strategyID string, fields map[string]string, ttl time.Duration) error
	GetSubscriptionSettings(ctx context.Context, userID, strategyID string) (map[string]string, error)
	MergeSubscriptionSettings(ctx context.Context, userID, strategyID string, fields map[string]string, ttl time.Duration) error

	SetExecutionStatus(ctx context.Context, strategyID string, fields map[string]string) error
	GetExecutionStatus(ctx context.Context, strategyID string) (map[string]string, error)
}

// LockManager provides distributed execution locks. Acquire returns
// ErrLockHeld when another worker owns the key.
type LockManager interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (unlock func(), err error)
	// Release force-releases a key regardless of owner. Escape hatch; the
	// normal path lets the TTL expire.
	Release(ctx context.Context, key string) error
}

// RateLimiter applies a fixed-window request quota per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SignalBus provides cross-process pub/sub. Subscriptions use a dedicated
// connection and reconnect with backoff.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages for the channel (glob patterns allowed)
	// until ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
