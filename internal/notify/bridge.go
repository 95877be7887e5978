package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stratforge/stratd/internal/domain"
)

// Bridge forwards engine events to the notifier as operator alerts. It
// listens on the topics that demand human attention: failed executions and
// opened trades.
type Bridge struct {
	bus      domain.EventBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewBridge creates a Bridge.
func NewBridge(bus domain.EventBus, notifier *Notifier, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_bridge")),
	}
}

// Run consumes events until the context is cancelled. Delivery failures are
// logged by the notifier itself; Run never returns an error for them.
func (b *Bridge) Run(ctx context.Context) {
	errCh, stopErr := b.bus.Subscribe(domain.TopicExecutionError)
	defer stopErr()
	tradeCh, stopTrade := b.bus.Subscribe(domain.TopicTradeCreated)
	defer stopTrade()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-errCh:
			if !ok {
				return
			}
			title := fmt.Sprintf("Execution failed: %s", ev.StrategyID)
			msg := fmt.Sprintf("symbol=%s interval=%s error=%s", ev.Symbol, ev.IntervalKey, ev.Error)
			if err := b.notifier.Notify(ctx, domain.TopicExecutionError, title, msg); err != nil {
				b.logger.WarnContext(ctx, "alert delivery incomplete", slog.String("error", err.Error()))
			}
		case ev, ok := <-tradeCh:
			if !ok {
				return
			}
			title := fmt.Sprintf("Trade opened: %s", ev.Symbol)
			msg := fmt.Sprintf("strategy=%s user=%s signal=%s trade=%s", ev.StrategyID, ev.UserID, ev.SignalType, ev.TradeID)
			if err := b.notifier.Notify(ctx, domain.TopicTradeCreated, title, msg); err != nil {
				b.logger.WarnContext(ctx, "alert delivery incomplete", slog.String("error", err.Error()))
			}
		}
	}
}
