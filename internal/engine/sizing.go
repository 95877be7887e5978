package engine

import (
	"fmt"
	"math"

	"github.com/stratforge/stratd/internal/broker"
	"github.com/stratforge/stratd/internal/domain"
)

// MinQuantity is the exchange minimum for the primary futures pair; smaller
// computed sizes are clamped up to it rather than dropped.
const MinQuantity = 0.007

// positionSize computes the order quantity from capital and risk. With a
// stop loss the risk amount is spread over the stop distance; without one
// the position is a plain leveraged fraction of capital.
func positionSize(capital, risk, leverage, entry float64, stopLoss *float64) float64 {
	if capital <= 0 || risk <= 0 || leverage <= 0 {
		return 0
	}
	if stopLoss != nil {
		dist := math.Abs(entry - *stopLoss)
		if dist > 0 {
			return capital * risk / dist * leverage
		}
	}
	if entry <= 0 {
		return 0
	}
	return capital * risk * leverage / entry
}

// realizedPnL is the signed profit of closing a trade at exitPrice: price
// movement in the trade's favor times quantity.
func realizedPnL(t domain.Trade, exitPrice float64) float64 {
	diff := exitPrice - t.EntryPrice
	if t.Side == domain.TradeSideShort {
		diff = -diff
	}
	return diff * t.Quantity
}

// fitToInstrument validates leverage against the instrument limit and floors
// the quantity to the exchange step. A quantity that floors to zero is
// domain.ErrQuantityTooSmall.
func fitToInstrument(qty, leverage float64, inst broker.Instrument) (float64, error) {
	if inst.MaxLeverage > 0 && leverage > inst.MaxLeverage {
		return 0, fmt.Errorf("engine: leverage %.1f over %s limit %.1f: %w",
			leverage, inst.Symbol, inst.MaxLeverage, domain.ErrLeverageExceedsLimit)
	}
	if inst.QuantityIncrement > 0 {
		qty = math.Floor(qty/inst.QuantityIncrement) * inst.QuantityIncrement
	}
	if qty <= 0 {
		return 0, fmt.Errorf("engine: quantity floored to zero on %s: %w", inst.Symbol, domain.ErrQuantityTooSmall)
	}
	return qty, nil
}
