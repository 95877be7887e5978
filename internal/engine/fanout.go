package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratforge/stratd/internal/broker"
	"github.com/stratforge/stratd/internal/domain"
	"github.com/stratforge/stratd/internal/settings"
)

// positionLookupDelay gives the exchange a moment to materialize the
// position before the id and liquidation price are read back.
const positionLookupDelay = 2 * time.Second

// fanOut opens one trade per eligible subscriber, concurrently. Failures are
// per-subscriber: one bad credential or rejected order never stops the rest,
// and the run as a whole still counts as SUCCESS. Returns the number of
// trades created.
func (c *Coordinator) fanOut(ctx context.Context, strategyID string, st settings.StrategySettings, signal *domain.Signal, subs []domain.ActiveSubscriber) int {
	var created atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error {
			if c.openTradeFor(ctx, strategyID, st, signal, sub) {
				created.Add(1)
			}
			// Errors are handled per subscriber; never abort the group.
			return nil
		})
	}
	_ = g.Wait()

	return int(created.Load())
}

// closeFanOut unwinds the open trades an exit signal targets, concurrently.
// Only trades on the side the signal closes are touched; flat subscribers and
// opposite-side positions are left alone. Returns the number of trades
// closed.
func (c *Coordinator) closeFanOut(ctx context.Context, strategyID string, st settings.StrategySettings, signal *domain.Signal, subs []domain.ActiveSubscriber) int {
	side, ok := signal.Type.Closes()
	if !ok {
		return 0
	}

	var closed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error {
			if c.closeTradeFor(ctx, strategyID, st, signal, side, sub) {
				closed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(closed.Load())
}

// closeTradeFor flattens one subscriber's open position: cancel outstanding
// risk orders, place the reduce-only exit order, persist the close with its
// realized PnL, and fold the result into the subscription counters. Returns
// true when a trade was closed.
func (c *Coordinator) closeTradeFor(ctx context.Context, strategyID string, st settings.StrategySettings, signal *domain.Signal, side domain.TradeSide, sub domain.ActiveSubscriber) bool {
	logger := c.logger.With(
		slog.String("strategy_id", strategyID),
		slog.String("subscription_id", sub.Subscription.ID),
		slog.String("user_id", sub.Subscription.UserID))

	symbol := st.Config.Symbol
	trade, err := c.trades.GetOpen(ctx, sub.Subscription.ID, symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return false
	}
	if err != nil {
		logger.Warn("open-trade lookup failed, subscriber skipped", slog.String("error", err.Error()))
		return false
	}
	if trade.Side != side {
		return false
	}

	keys, err := c.decryptKeys(sub.Credential)
	if err != nil {
		logger.Warn("subscriber skipped, credential unavailable", slog.String("error", err.Error()))
		return false
	}

	// Outstanding SL/TP orders go first so the flatten cannot race them.
	for _, orderID := range []string{trade.SLOrderID, trade.TPOrderID} {
		if orderID == "" {
			continue
		}
		if err := c.broker.CancelOrder(ctx, keys, symbol, orderID); err != nil {
			logger.Warn("risk order cancel failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()))
		}
	}

	if _, err := c.broker.PlaceMarketOrder(ctx, keys, broker.OrderRequest{
		Symbol:     symbol,
		Side:       broker.SideFor(side).Opposite(),
		Quantity:   trade.Quantity,
		ReduceOnly: true,
	}); err != nil {
		logger.Warn("exit order failed", slog.String("error", err.Error()))
		return false
	}

	pnl := realizedPnL(trade, signal.Price)
	closed, err := c.trades.Close(ctx, trade.ID, signal.Price, pnl)
	if err != nil {
		logger.Error("trade close persistence failed after exit order",
			slog.String("trade_id", trade.ID),
			slog.String("error", err.Error()))
		return false
	}

	if err := c.subscribers.RecordTradeResult(ctx, sub.Subscription.ID, pnl); err != nil {
		logger.Warn("trade result accounting failed", slog.String("error", err.Error()))
	}

	c.events.Publish(domain.EngineEvent{
		Topic:          domain.TopicTradeClosed,
		At:             c.now().UTC(),
		StrategyID:     strategyID,
		Symbol:         symbol,
		UserID:         sub.Subscription.UserID,
		SubscriptionID: sub.Subscription.ID,
		TradeID:        closed.ID,
		SignalType:     string(signal.Type),
	})

	logger.Info("trade closed",
		slog.String("trade_id", closed.ID),
		slog.String("side", string(side)),
		slog.Float64("exit_price", signal.Price),
		slog.Float64("pnl", pnl))
	return true
}

// openTradeFor runs the per-subscriber pipeline: precondition checks,
// sizing, entry order, risk orders, persistence. Returns true when a trade
// was created.
func (c *Coordinator) openTradeFor(ctx context.Context, strategyID string, st settings.StrategySettings, signal *domain.Signal, sub domain.ActiveSubscriber) bool {
	logger := c.logger.With(
		slog.String("strategy_id", strategyID),
		slog.String("subscription_id", sub.Subscription.ID),
		slog.String("user_id", sub.Subscription.UserID))

	if !sub.Subscription.Active || sub.Subscription.Paused {
		return false
	}

	eff, err := c.settings.GetSubscriptionSettings(ctx, sub.Subscription.UserID, strategyID)
	if err != nil {
		logger.Warn("subscriber skipped, settings unavailable", slog.String("error", err.Error()))
		return false
	}
	if !eff.IsActive {
		return false
	}
	if eff.RiskPerTrade <= 0 || eff.Leverage <= 0 {
		// Never substitute hard-coded risk values.
		logger.Warn("subscriber skipped, risk parameters unresolvable")
		return false
	}

	symbol := st.Config.Symbol
	if _, err := c.trades.GetOpen(ctx, sub.Subscription.ID, symbol); err == nil {
		logger.Info("subscriber skipped, open trade exists", slog.String("symbol", symbol))
		return false
	} else if !errors.Is(err, domain.ErrNotFound) {
		logger.Warn("open-trade lookup failed, subscriber skipped", slog.String("error", err.Error()))
		return false
	}

	keys, err := c.decryptKeys(sub.Credential)
	if err != nil {
		logger.Warn("subscriber skipped, credential unavailable", slog.String("error", err.Error()))
		return false
	}

	qty := positionSize(sub.Subscription.Capital, eff.RiskPerTrade, eff.Leverage, signal.Price, signal.StopLoss)
	if qty <= 0 {
		logger.Warn("subscriber skipped, computed quantity not positive")
		return false
	}
	if qty < MinQuantity {
		logger.Info("quantity clamped to exchange minimum",
			slog.Float64("computed", qty),
			slog.Float64("minimum", MinQuantity))
		qty = MinQuantity
	}

	futures := eff.TradingType == domain.TradingTypeFutures
	if futures {
		inst, err := c.broker.Instrument(ctx, symbol)
		if err != nil {
			logger.Warn("subscriber skipped, instrument lookup failed", slog.String("error", err.Error()))
			return false
		}
		qty, err = fitToInstrument(qty, eff.Leverage, inst)
		if err != nil {
			logger.Warn("subscriber skipped", slog.String("error", err.Error()))
			return false
		}
	}

	side := signal.Type.Side()
	entry, err := c.broker.PlaceMarketOrder(ctx, keys, broker.OrderRequest{
		Symbol:   symbol,
		Side:     broker.SideFor(side),
		Quantity: qty,
		Leverage: eff.Leverage,
	})
	if err != nil {
		logger.Warn("entry order failed", slog.String("error", err.Error()))
		return false
	}

	trade := domain.Trade{
		SubscriptionID: sub.Subscription.ID,
		StrategyID:     strategyID,
		UserID:         sub.Subscription.UserID,
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		EntryPrice:     signal.Price,
		StopLoss:       signal.StopLoss,
		TakeProfit:     signal.TakeProfit,
		Status:         domain.TradeStatusOpen,
		TradingType:    eff.TradingType,
		Leverage:       eff.Leverage,
		OrderID:        entry.ID,
		OrderStatus:    entry.Status,
		EntrySignal:    signal,
		Metadata:       signal.Metadata,
		OpenedAt:       c.now().UTC(),
	}

	// Risk orders are best-effort: a failed SL/TP placement is logged and
	// the trade still stands, the position is real either way.
	closeSide := broker.SideFor(side).Opposite()
	if signal.StopLoss != nil {
		sl, err := c.broker.PlaceLimitOrder(ctx, keys, broker.OrderRequest{
			Symbol:       symbol,
			Side:         closeSide,
			Quantity:     qty,
			Price:        *signal.StopLoss,
			TriggerPrice: *signal.StopLoss,
			ReduceOnly:   true,
		})
		if err != nil {
			logger.Warn("stop-loss order failed", slog.String("error", err.Error()))
		} else {
			trade.SLOrderID = sl.ID
		}
	}
	if signal.TakeProfit != nil {
		tp, err := c.broker.PlaceLimitOrder(ctx, keys, broker.OrderRequest{
			Symbol:     symbol,
			Side:       closeSide,
			Quantity:   qty,
			Price:      *signal.TakeProfit,
			ReduceOnly: true,
		})
		if err != nil {
			logger.Warn("take-profit order failed", slog.String("error", err.Error()))
		} else {
			trade.TPOrderID = tp.ID
		}
	}

	if futures {
		c.sleep(ctx, positionLookupDelay)
		positions, err := c.broker.Positions(ctx, keys, symbol)
		if err != nil {
			logger.Warn("position lookup failed", slog.String("error", err.Error()))
		} else {
			for _, p := range positions {
				if p.Symbol == symbol {
					trade.PositionID = p.PositionID
					if p.LiquidationPrice > 0 {
						liq := p.LiquidationPrice
						trade.LiquidationPrice = &liq
					}
					break
				}
			}
		}
	}

	persisted, err := c.trades.Create(ctx, trade)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Lost the check-then-insert race; the broker position is
			// reconciled out of band.
			logger.Warn("open trade already recorded for symbol", slog.String("symbol", symbol))
		} else {
			logger.Error("trade persistence failed after order placement",
				slog.String("order_id", entry.ID),
				slog.String("error", err.Error()))
		}
		return false
	}

	c.events.Publish(domain.EngineEvent{
		Topic:          domain.TopicTradeCreated,
		At:             c.now().UTC(),
		StrategyID:     strategyID,
		Symbol:         symbol,
		UserID:         sub.Subscription.UserID,
		SubscriptionID: sub.Subscription.ID,
		TradeID:        persisted.ID,
		SignalType:     string(signal.Type),
	})

	logger.Info("trade opened",
		slog.String("trade_id", persisted.ID),
		slog.String("side", string(side)),
		slog.Float64("quantity", qty),
		slog.Float64("entry_price", signal.Price))
	return true
}
