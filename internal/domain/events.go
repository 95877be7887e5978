package domain

import "time"

// Event bus topics. The catalog is fixed; publishers never invent topics at
// runtime.
const (
	TopicCandleClose           = "candle.close"
	TopicExecutionStart        = "strategy.execution.start"
	TopicExecutionComplete     = "strategy.execution.complete"
	TopicExecutionError        = "strategy.execution.error"
	TopicSubscriptionCreated   = "subscription.created"
	TopicSubscriptionCancelled = "subscription.cancelled"
	TopicTradeCreated          = "trade.created"
	TopicTradeFilled           = "trade.filled"
	TopicTradeClosed           = "trade.closed"
)

// EngineEvent is the payload carried on the in-process event bus and
// mirrored to the websocket stream. JSON tags because it crosses the wire.
type EngineEvent struct {
	Topic          string    `json:"topic"`
	At             time.Time `json:"at"`
	StrategyID     string    `json:"strategy_id,omitempty"`
	Symbol         string    `json:"symbol,omitempty"`
	Resolution     string    `json:"resolution,omitempty"`
	IntervalKey    string    `json:"interval_key,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	TradeID        string    `json:"trade_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	SignalType     string    `json:"signal_type,omitempty"`
	Subscribers    int       `json:"subscribers,omitempty"`
	TradesGenerated int      `json:"trades_generated,omitempty"`
	DurationS      float64   `json:"duration_s,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// EventBus is the in-process typed pub/sub fabric. Publish never blocks;
// slow subscribers drop events.
type EventBus interface {
	Publish(ev EngineEvent)
	Subscribe(topic string) (<-chan EngineEvent, func())
	SubscribeAll() (<-chan EngineEvent, func())
}
