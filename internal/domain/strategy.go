package domain

import (
	"context"
	"time"
)

// StrategyKind selects the runtime wrapper used to execute strategy code.
type StrategyKind string

const (
	StrategyKindLegacy      StrategyKind = "legacy"
	StrategyKindMultiTenant StrategyKind = "multi_tenant"
	StrategyKindLiveTrader  StrategyKind = "livetrader"
)

// ExecutionConfig is the typed execution configuration of a strategy.
// Unknown keys from the on-disk STRATEGY_CONFIG ride in Extras and are
// passed to the runtime untouched.
type ExecutionConfig struct {
	Symbol       string
	Resolution   string
	RiskPerTrade *float64
	Leverage     *float64
	MaxPositions *int
	MaxDailyLoss *float64
	TradingType  TradingType
	Extras       map[string]string
}

// Complete reports whether the config carries the two fields required for
// scheduling: symbol and resolution.
func (c ExecutionConfig) Complete() bool {
	return c.Symbol != "" && c.Resolution != ""
}

// Strategy is a shared trading strategy executed once per candle close and
// fanned out to every active subscriber.
type Strategy struct {
	ID              string
	Name            string
	Active          bool
	Kind            StrategyKind
	SubscriberCount int
	Config          ExecutionConfig
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Schedulable reports whether the strategy should be reachable through the
// candle registry.
func (s Strategy) Schedulable() bool {
	return s.Active && s.SubscriberCount > 0 && s.Config.Complete()
}

// StrategyChangeOp classifies a write against the strategy store.
type StrategyChangeOp string

const (
	StrategyOpCreate StrategyChangeOp = "create"
	StrategyOpUpdate StrategyChangeOp = "update"
	StrategyOpDelete StrategyChangeOp = "delete"
	StrategyOpBulk   StrategyChangeOp = "bulk" // updateMany/deleteMany, shape unknown
)

// StrategyChange is the structured descriptor emitted for every strategy
// write. A single reducer turns these into registry and settings-cache
// operations.
type StrategyChange struct {
	Op     StrategyChangeOp
	ID     string
	Before *Strategy
	After  *Strategy
}

// StrategyChangeHandler consumes change descriptors from the write path.
type StrategyChangeHandler interface {
	ApplyStrategyChange(ctx context.Context, change StrategyChange) error
}
