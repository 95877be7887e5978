// Package engine is the execution coordinator: it turns a candle close into
// at most one strategy run per (strategy, interval) across all workers, and
// fans actionable signals out to every eligible subscriber.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stratforge/stratd/internal/broker"
	"github.com/stratforge/stratd/internal/candle"
	"github.com/stratforge/stratd/internal/domain"
	"github.com/stratforge/stratd/internal/runtime"
	"github.com/stratforge/stratd/internal/settings"
)

// LockSafety is subtracted from the candle interval when sizing the
// execution lock so the next candle can never inherit a stale lock.
const LockSafety = 10 * time.Second

// Skip reasons recorded on SKIPPED executions.
const (
	SkipLockHeld      = "lock_held"
	SkipNoSubscribers = "no_active_subscribers"
	SkipAllPositioned = "all_subscribers_positioned"
)

// Settings is the slice of the settings service the coordinator uses.
type Settings interface {
	GetStrategySettings(ctx context.Context, strategyID string) (settings.StrategySettings, error)
	GetSubscriptionSettings(ctx context.Context, userID, strategyID string) (domain.EffectiveSettings, error)
	AcquireLock(ctx context.Context, strategyID, intervalKey string, ttl time.Duration, workerID string) (func(), error)
	UpdateExecutionStatus(ctx context.Context, strategyID string, fields map[string]string) error
}

// Subscribers resolves the active subscriber list and books closed-trade
// outcomes against the subscription counters.
type Subscribers interface {
	GetActiveSubscribers(ctx context.Context, strategyID string) ([]domain.ActiveSubscriber, error)
	RecordTradeResult(ctx context.Context, subscriptionID string, pnl float64) error
}

// CandleIndex is the slice of the registry the scheduler path reads.
type CandleIndex interface {
	GetForCandle(ctx context.Context, symbol, resolution string) ([]string, error)
}

// Runner invokes the strategy runtime subprocesses.
type Runner interface {
	RunLegacy(ctx context.Context, req runtime.LegacyRequest) (*domain.Signal, error)
	RunMultiTenant(ctx context.Context, req runtime.WrapperRequest) (runtime.WrapperResult, error)
	RunLiveTrader(ctx context.Context, req runtime.WrapperRequest) (runtime.WrapperResult, error)
}

// Decrypter opens credential envelopes for broker calls and wrappers.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

// Coordinator owns the per-candle execution algorithm.
type Coordinator struct {
	settings    Settings
	subscribers Subscribers
	index       CandleIndex
	runner      Runner
	broker      broker.Client
	trades      domain.TradeStore
	executions  domain.ExecutionStore
	vault       Decrypter
	events      domain.EventBus
	workerID    string
	logger      *slog.Logger

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// New creates a Coordinator.
func New(
	set Settings,
	subscribers Subscribers,
	index CandleIndex,
	runner Runner,
	brokerClient broker.Client,
	trades domain.TradeStore,
	executions domain.ExecutionStore,
	vault Decrypter,
	events domain.EventBus,
	workerID string,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		settings:    set,
		subscribers: subscribers,
		index:       index,
		runner:      runner,
		broker:      brokerClient,
		trades:      trades,
		executions:  executions,
		vault:       vault,
		events:      events,
		workerID:    workerID,
		logger:      logger.With(slog.String("component", "engine")),
		now:         time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// ExecuteCandleStrategies runs every strategy registered for a candle close,
// in parallel and independently: one strategy's failure never touches the
// others.
func (c *Coordinator) ExecuteCandleStrategies(ctx context.Context, symbol, resolution string, boundary time.Time) {
	ids, err := c.index.GetForCandle(ctx, symbol, resolution)
	if err != nil {
		c.logger.Error("candle fan-out aborted",
			slog.String("symbol", symbol),
			slog.String("resolution", resolution),
			slog.String("error", err.Error()))
		return
	}
	if len(ids) == 0 {
		return
	}

	c.events.Publish(domain.EngineEvent{
		Topic:      domain.TopicCandleClose,
		At:         c.now().UTC(),
		Symbol:     symbol,
		Resolution: resolution,
	})

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(strategyID string) {
			defer wg.Done()
			if _, err := c.ExecuteStrategy(ctx, strategyID, boundary); err != nil {
				c.logger.Error("strategy execution failed",
					slog.String("strategy_id", strategyID),
					slog.String("error", err.Error()))
			}
		}(id)
	}
	wg.Wait()
}

// ExecuteStrategy runs one strategy against one scheduled candle boundary.
// Exactly one worker in the process group wins the run; losers record
// SKIPPED. The returned execution is what was persisted.
func (c *Coordinator) ExecuteStrategy(ctx context.Context, strategyID string, scheduled time.Time) (domain.Execution, error) {
	start := c.now()

	if ok, drift := candle.ValidateTiming(scheduled, start, candle.DefaultMaxDrift); !ok {
		c.logger.Warn("scheduling drift above tolerance",
			slog.String("strategy_id", strategyID),
			slog.Duration("drift", drift))
	}

	st, err := c.settings.GetStrategySettings(ctx, strategyID)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("engine: settings for %s: %w", strategyID, err)
	}
	symbol, resolution := st.Config.Symbol, st.Config.Resolution

	intervalKey, err := candle.IntervalKey(scheduled, resolution)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("engine: interval key for %s: %w", strategyID, err)
	}
	ttl, err := candle.LockTTL(resolution, LockSafety)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("engine: lock ttl for %s: %w", strategyID, err)
	}

	exec := domain.Execution{
		StrategyID:  strategyID,
		Symbol:      symbol,
		Resolution:  resolution,
		IntervalKey: intervalKey,
		ExecutedAt:  start.UTC(),
		WorkerID:    c.workerID,
	}

	// The lock is not released on completion; its TTL expires before the
	// next candle and shields the interval from double execution meanwhile.
	if _, err := c.settings.AcquireLock(ctx, strategyID, intervalKey, ttl, c.workerID); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			exec.Status = domain.ExecutionStatusSkipped
			exec.Error = SkipLockHeld
			return c.finish(ctx, exec, start)
		}
		return domain.Execution{}, fmt.Errorf("engine: lock for %s: %w", strategyID, err)
	}

	c.events.Publish(domain.EngineEvent{
		Topic:       domain.TopicExecutionStart,
		At:          start.UTC(),
		StrategyID:  strategyID,
		Symbol:      symbol,
		Resolution:  resolution,
		IntervalKey: intervalKey,
	})

	subs, err := c.subscribers.GetActiveSubscribers(ctx, strategyID)
	if err != nil {
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = fmt.Sprintf("load subscribers: %v", err)
		return c.finish(ctx, exec, start)
	}
	exec.SubscribersCount = len(subs)
	if len(subs) == 0 {
		exec.Status = domain.ExecutionStatusSkipped
		exec.Error = SkipNoSubscribers
		return c.finish(ctx, exec, start)
	}

	switch st.Kind {
	case domain.StrategyKindMultiTenant:
		c.runMultiTenant(ctx, &exec, st, subs)
	case domain.StrategyKindLiveTrader:
		c.runLiveTrader(ctx, &exec, st, subs)
	default:
		c.runLegacy(ctx, &exec, st, subs, scheduled)
	}

	return c.finish(ctx, exec, start)
}

// runLegacy invokes the signal runner and fans the signal out locally.
func (c *Coordinator) runLegacy(ctx context.Context, exec *domain.Execution, st settings.StrategySettings, subs []domain.ActiveSubscriber, scheduled time.Time) {
	signal, err := c.runner.RunLegacy(ctx, runtime.LegacyRequest{
		StrategyID:    exec.StrategyID,
		ExecutionTime: scheduled.UTC(),
		Settings:      st.Fields(),
	})
	if err != nil {
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = err.Error()
		return
	}
	if signal == nil || signal.Type == domain.SignalHold {
		exec.Status = domain.ExecutionStatusNoSignal
		if signal != nil {
			exec.SignalType = signal.Type
		}
		return
	}

	exec.SignalType = signal.Type

	// Only entry signals open positions. Exit signals unwind matching open
	// trades and never create new ones.
	if !signal.Type.Actionable() {
		closed := c.closeFanOut(ctx, exec.StrategyID, st, signal, subs)
		exec.Status = domain.ExecutionStatusSuccess
		c.logger.Info("exit signal processed",
			slog.String("strategy_id", exec.StrategyID),
			slog.String("signal", string(signal.Type)),
			slog.Int("trades_closed", closed))
		return
	}

	exec.TradesGenerated = c.fanOut(ctx, exec.StrategyID, st, signal, subs)
	exec.Status = domain.ExecutionStatusSuccess
}

// runMultiTenant hands the full subscriber list to the wrapper, which places
// orders itself.
func (c *Coordinator) runMultiTenant(ctx context.Context, exec *domain.Execution, st settings.StrategySettings, subs []domain.ActiveSubscriber) {
	wrapped := c.wrapSubscribers(ctx, exec.StrategyID, subs)
	if len(wrapped) == 0 {
		exec.Status = domain.ExecutionStatusSkipped
		exec.Error = SkipNoSubscribers
		return
	}

	res, err := c.runner.RunMultiTenant(ctx, runtime.WrapperRequest{
		StrategyID:  exec.StrategyID,
		Settings:    st.Fields(),
		Subscribers: wrapped,
	})
	if err != nil {
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = err.Error()
		return
	}
	exec.Status = domain.ExecutionStatusSuccess
	exec.TradesGenerated = len(wrapped)
	c.logger.Info("multi-tenant wrapper finished",
		slog.String("strategy_id", exec.StrategyID),
		slog.Int("subscribers_processed", res.SubscribersProcessed),
		slog.Int("trades_attempted", res.TradesAttempted))
}

// runLiveTrader pre-filters subscribers that already hold an OPEN trade for
// the symbol, then hands the rest to the livetrader wrapper.
func (c *Coordinator) runLiveTrader(ctx context.Context, exec *domain.Execution, st settings.StrategySettings, subs []domain.ActiveSubscriber) {
	var free []domain.ActiveSubscriber
	for _, sub := range subs {
		_, err := c.trades.GetOpen(ctx, sub.Subscription.ID, st.Config.Symbol)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			free = append(free, sub)
		case err != nil:
			c.logger.Warn("open-trade lookup failed, subscriber skipped",
				slog.String("subscription_id", sub.Subscription.ID),
				slog.String("error", err.Error()))
		}
	}
	if len(free) == 0 {
		exec.Status = domain.ExecutionStatusSkipped
		exec.Error = SkipAllPositioned
		return
	}

	wrapped := c.wrapSubscribers(ctx, exec.StrategyID, free)
	if len(wrapped) == 0 {
		exec.Status = domain.ExecutionStatusSkipped
		exec.Error = SkipNoSubscribers
		return
	}

	if _, err := c.runner.RunLiveTrader(ctx, runtime.WrapperRequest{
		StrategyID:  exec.StrategyID,
		Settings:    st.Fields(),
		Subscribers: wrapped,
	}); err != nil {
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = err.Error()
		return
	}
	exec.Status = domain.ExecutionStatusSuccess
	exec.TradesGenerated = len(wrapped)
}

// wrapSubscribers builds the wrapper payload entries: decrypted credentials
// plus resolved risk parameters. A subscriber that cannot be resolved is
// skipped with a warning, never given substitute values.
func (c *Coordinator) wrapSubscribers(ctx context.Context, strategyID string, subs []domain.ActiveSubscriber) []runtime.WrapperSubscriber {
	wrapped := make([]runtime.WrapperSubscriber, 0, len(subs))
	for _, sub := range subs {
		eff, err := c.settings.GetSubscriptionSettings(ctx, sub.Subscription.UserID, strategyID)
		if err != nil || !eff.IsActive {
			c.logger.Warn("subscriber skipped, settings unavailable",
				slog.String("subscription_id", sub.Subscription.ID))
			continue
		}
		keys, err := c.decryptKeys(sub.Credential)
		if err != nil {
			c.logger.Warn("subscriber skipped, credential unavailable",
				slog.String("subscription_id", sub.Subscription.ID),
				slog.String("error", err.Error()))
			continue
		}
		wrapped = append(wrapped, runtime.WrapperSubscriber{
			UserID:         sub.Subscription.UserID,
			SubscriptionID: sub.Subscription.ID,
			APIKey:         keys.APIKey,
			APISecret:      keys.APISecret,
			Capital:        sub.Subscription.Capital,
			RiskPerTrade:   eff.RiskPerTrade,
			Leverage:       eff.Leverage,
		})
	}
	return wrapped
}

func (c *Coordinator) decryptKeys(cred *domain.BrokerCredential) (domain.BrokerKeys, error) {
	if cred == nil {
		return domain.BrokerKeys{}, errors.New("no broker credential on subscription")
	}
	apiKey, err := c.vault.Decrypt(cred.APIKeyCipher)
	if err != nil {
		return domain.BrokerKeys{}, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := c.vault.Decrypt(cred.APISecretCipher)
	if err != nil {
		return domain.BrokerKeys{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	return domain.BrokerKeys{APIKey: apiKey, APISecret: apiSecret}, nil
}

// finish persists the execution record, refreshes the status hash, and
// emits the terminal event.
func (c *Coordinator) finish(ctx context.Context, exec domain.Execution, start time.Time) (domain.Execution, error) {
	exec.DurationSeconds = c.now().Sub(start).Seconds()

	recorded := exec
	// A lock loser never takes the interval's unique durable slot: its
	// SKIPPED row would land before the winner finishes and shadow the
	// winner's terminal record. The skip still reaches the status hash, the
	// event stream, and the logs.
	if exec.Status != domain.ExecutionStatusSkipped || exec.Error != SkipLockHeld {
		created, err := c.executions.Create(ctx, exec)
		switch {
		case err == nil:
			recorded = created
		case errors.Is(err, domain.ErrAlreadyExists):
			// The lock expired mid-run and another worker wrote the interval.
			c.logger.Warn("execution already recorded",
				slog.String("strategy_id", exec.StrategyID),
				slog.String("interval_key", exec.IntervalKey))
		default:
			return exec, fmt.Errorf("engine: record execution %s/%s: %w", exec.StrategyID, exec.IntervalKey, err)
		}
	}

	statusFields := map[string]string{
		"last_run_at":   exec.ExecutedAt.Format(time.RFC3339),
		"last_status":   string(exec.Status),
		"last_duration": fmt.Sprintf("%.3f", exec.DurationSeconds),
		"last_interval": exec.IntervalKey,
	}
	if exec.SignalType != "" {
		statusFields["last_signal"] = string(exec.SignalType)
	}
	if exec.Error != "" {
		statusFields["last_error"] = exec.Error
	}
	if err := c.settings.UpdateExecutionStatus(ctx, exec.StrategyID, statusFields); err != nil {
		c.logger.Warn("execution status update failed",
			slog.String("strategy_id", exec.StrategyID),
			slog.String("error", err.Error()))
	}

	topic := domain.TopicExecutionComplete
	if exec.Status == domain.ExecutionStatusFailed {
		topic = domain.TopicExecutionError
	}
	c.events.Publish(domain.EngineEvent{
		Topic:           topic,
		At:              c.now().UTC(),
		StrategyID:      exec.StrategyID,
		Symbol:          exec.Symbol,
		Resolution:      exec.Resolution,
		IntervalKey:     exec.IntervalKey,
		Status:          string(exec.Status),
		SignalType:      string(exec.SignalType),
		Subscribers:     exec.SubscribersCount,
		TradesGenerated: exec.TradesGenerated,
		DurationS:       exec.DurationSeconds,
		Error:           exec.Error,
	})

	c.logger.InfoContext(ctx, "execution recorded",
		slog.String("strategy_id", exec.StrategyID),
		slog.String("interval_key", exec.IntervalKey),
		slog.String("status", string(exec.Status)),
		slog.Int("trades", exec.TradesGenerated),
		slog.Float64("duration_s", exec.DurationSeconds))
	return recorded, nil
}
