package domain

import "time"

// TradingType distinguishes spot from leveraged futures execution.
type TradingType string

const (
	TradingTypeSpot    TradingType = "spot"
	TradingTypeFutures TradingType = "futures"
)

// SubscriptionOverrides are the per-user risk parameters a subscriber may
// set. A nil field means "use the strategy default".
type SubscriptionOverrides struct {
	RiskPerTrade    *float64
	Leverage        *float64
	MaxPositions    *int
	MaxDailyLoss    *float64
	SLATRMultiplier *float64
	TPATRMultiplier *float64
}

// Subscription is a user's enrollment in a strategy. Unique per
// (user, strategy); cancelling flips Active and stamps UnsubscribedAt,
// re-subscribing reactivates the same row with counters reset.
type Subscription struct {
	ID           string
	UserID       string
	StrategyID   string
	CredentialID string
	Capital      float64
	Overrides    SubscriptionOverrides
	TradingType  TradingType
	Active       bool
	Paused       bool
	SubscribedAt time.Time
	UnsubscribedAt *time.Time
	PausedAt       *time.Time
	TotalPnL      float64
	TotalTrades   int
	WinningTrades int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveSettings are the fully resolved runtime parameters for one
// subscriber: overrides merged over strategy defaults. RiskPerTrade and
// Leverage have no hard-coded fallback and must resolve from one of the two
// layers.
type EffectiveSettings struct {
	Symbol       string
	Resolution   string
	RiskPerTrade float64
	Leverage     float64
	MaxPositions int
	MaxDailyLoss float64
	TradingType  TradingType
	IsActive     bool
}

// ActiveSubscriber is the execution-time view of a subscription: the row
// itself plus the eagerly loaded broker credential.
type ActiveSubscriber struct {
	Subscription Subscription
	Credential   *BrokerCredential
}
