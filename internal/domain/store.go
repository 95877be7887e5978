package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// StrategyStore persists strategy definitions. Every write emits a
// StrategyChange descriptor through the configured change handler so the
// derived cache stays in sync.
type StrategyStore interface {
	Create(ctx context.Context, s Strategy) (Strategy, error)
	GetByID(ctx context.Context, id string) (Strategy, error)
	// ListSchedulable returns active strategies with subscribers and a
	// complete execution config.
	ListSchedulable(ctx context.Context) ([]Strategy, error)
	// ListActiveSubscribed returns active strategies with subscribers,
	// including those whose execution config is still incomplete and needs
	// an on-disk auto-sync before they can be registered.
	ListActiveSubscribed(ctx context.Context) ([]Strategy, error)
	UpdateExecutionConfig(ctx context.Context, id string, cfg ExecutionConfig) (Strategy, error)
	SetActive(ctx context.Context, id string, active bool) (Strategy, error)
	AdjustSubscriberCount(ctx context.Context, id string, delta int) (Strategy, error)
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) (int64, error)
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub Subscription) (Subscription, error)
	GetByID(ctx context.Context, id string) (Subscription, error)
	GetByUserAndStrategy(ctx context.Context, userID, strategyID string) (Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]Subscription, error)
	// ListActiveSubscribers returns active, unpaused subscriptions with
	// broker credentials eagerly loaded.
	ListActiveSubscribers(ctx context.Context, strategyID string) ([]ActiveSubscriber, error)
	Reactivate(ctx context.Context, id string, capital float64, overrides SubscriptionOverrides, tradingType TradingType) (Subscription, error)
	Cancel(ctx context.Context, id string) (Subscription, error)
	SetPaused(ctx context.Context, id string, paused bool) (Subscription, error)
	UpdateOverrides(ctx context.Context, id string, capital *float64, overrides SubscriptionOverrides) (Subscription, error)
	AddTradeResult(ctx context.Context, id string, pnl float64, won bool) error
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	Create(ctx context.Context, exec Execution) (Execution, error)
	GetByStrategyAndInterval(ctx context.Context, strategyID, intervalKey string) (Execution, error)
	ListByStrategy(ctx context.Context, strategyID string, opts ListOpts) ([]Execution, error)
	Stats(ctx context.Context, strategyID string) (ExecutionStats, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Execution, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// TradeStore persists trades.
type TradeStore interface {
	Create(ctx context.Context, t Trade) (Trade, error)
	GetByID(ctx context.Context, id string) (Trade, error)
	// GetOpen returns the OPEN trade for (subscription, symbol) or
	// ErrNotFound.
	GetOpen(ctx context.Context, subscriptionID, symbol string) (Trade, error)
	ListOpenBySubscription(ctx context.Context, subscriptionID string) ([]Trade, error)
	ListOpenByUser(ctx context.Context, userID string) ([]Trade, error)
	ListBySubscription(ctx context.Context, subscriptionID string, opts ListOpts) ([]Trade, error)
	Close(ctx context.Context, id string, exitPrice, pnl float64) (Trade, error)
	SumRealizedPnL(ctx context.Context, subscriptionID string) (float64, error)
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]Trade, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// CredentialStore persists encrypted broker credentials.
type CredentialStore interface {
	Create(ctx context.Context, cred BrokerCredential) (BrokerCredential, error)
	GetByID(ctx context.Context, id string) (BrokerCredential, error)
	ListByUser(ctx context.Context, userID string) ([]BrokerCredential, error)
	Delete(ctx context.Context, id string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
