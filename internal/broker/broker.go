// Package broker defines the exchange capability surface the engine trades
// through. Implementations take credentials per call: the engine serves many
// tenants and holds no account state of its own.
package broker

import (
	"context"

	"github.com/stratforge/stratd/internal/domain"
)

// OrderSide is the exchange-facing side of an order.
type OrderSide string

const (
	Buy  OrderSide = "Buy"
	Sell OrderSide = "Sell"
)

// SideFor maps a trade side to the order side that opens it.
func SideFor(side domain.TradeSide) OrderSide {
	if side == domain.TradeSideShort {
		return Sell
	}
	return Buy
}

// Opposite returns the closing side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Instrument carries the exchange's precision and leverage limits for one
// symbol.
type Instrument struct {
	Symbol            string
	QuantityIncrement float64
	MinQuantity       float64
	PriceIncrement    float64
	MaxLeverage       float64
}

// Wallet is one coin balance of a futures account.
type Wallet struct {
	Coin      string
	Balance   float64
	Available float64
}

// OrderRequest describes an order to place. Price is ignored for market
// orders; TriggerPrice set makes a conditional (stop) order.
type OrderRequest struct {
	Symbol       string
	Side         OrderSide
	Quantity     float64
	Price        float64
	TriggerPrice float64
	ReduceOnly   bool
	Leverage     float64
}

// Order is the exchange's view of a placed order.
type Order struct {
	ID        string
	Symbol    string
	Side      OrderSide
	Type      string
	Quantity  float64
	Price     float64
	Status    string
	CreatedAt string
}

// Position is one open futures position.
type Position struct {
	PositionID       string
	Symbol           string
	Side             OrderSide
	Size             float64
	EntryPrice       float64
	Leverage         float64
	LiquidationPrice float64
	UnrealizedPnL    float64
}

// Ticker is the last traded state of a symbol.
type Ticker struct {
	Symbol    string
	LastPrice float64
	Bid       float64
	Ask       float64
}

// Client is the capability surface against the exchange. Market data calls
// are public; account calls take the caller's decrypted keys.
type Client interface {
	Instrument(ctx context.Context, symbol string) (Instrument, error)
	Tickers(ctx context.Context, symbols []string) (map[string]Ticker, error)

	Wallets(ctx context.Context, keys domain.BrokerKeys) ([]Wallet, error)
	PlaceMarketOrder(ctx context.Context, keys domain.BrokerKeys, req OrderRequest) (Order, error)
	PlaceLimitOrder(ctx context.Context, keys domain.BrokerKeys, req OrderRequest) (Order, error)
	GetOrder(ctx context.Context, keys domain.BrokerKeys, symbol, orderID string) (Order, error)
	CancelOrder(ctx context.Context, keys domain.BrokerKeys, symbol, orderID string) error
	Positions(ctx context.Context, keys domain.BrokerKeys, symbol string) ([]Position, error)
	OpenOrders(ctx context.Context, keys domain.BrokerKeys, symbol string) ([]Order, error)
}
