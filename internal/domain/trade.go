package domain

import "time"

// TradeSide is the direction of an opened trade.
type TradeSide string

const (
	TradeSideLong  TradeSide = "LONG"
	TradeSideShort TradeSide = "SHORT"
)

// TradeStatus tracks whether a trade is open or closed.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)

// Trade is one subscriber's realized order from a strategy signal. At most
// one OPEN trade exists per (subscription, symbol) at any time.
type Trade struct {
	ID             string
	SubscriptionID string
	StrategyID     string
	UserID         string
	Symbol         string
	Side           TradeSide
	Quantity       float64
	EntryPrice     float64
	StopLoss       *float64
	TakeProfit     *float64
	Status         TradeStatus
	PnL            float64
	TradingType    TradingType
	Leverage       float64
	OrderID        string
	OrderStatus    string
	SLOrderID      string
	TPOrderID      string
	PositionID     string
	LiquidationPrice *float64
	EntrySignal    *Signal
	Metadata       map[string]string
	OpenedAt       time.Time
	ClosedAt       *time.Time
	ExitPrice      *float64
}
