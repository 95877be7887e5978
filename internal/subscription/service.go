// Package subscription manages user enrollments in strategies: create with
// reactivation, cancel, pause/resume, and the active-subscriber queries the
// execution path fans out over.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stratforge/stratd/internal/domain"
	"github.com/stratforge/stratd/internal/settings"
)

// Soft defaults applied when neither the override nor the strategy config
// specifies the field. Risk and leverage have no such fallback.
const (
	DefaultMaxPositions = 1
	DefaultMaxDailyLoss = 0.05
)

// Registrar is the slice of the candle registry the service drives at the
// first/last-subscriber boundaries.
type Registrar interface {
	Register(ctx context.Context, strategyID, symbol, resolution string) error
	Unregister(ctx context.Context, strategyID, symbol, resolution string) error
}

// Settings is the slice of the settings service the subscription flow uses.
type Settings interface {
	GetStrategySettings(ctx context.Context, strategyID string) (settings.StrategySettings, error)
	InitializeSubscription(ctx context.Context, userID, strategyID string, effective domain.EffectiveSettings) error
	DeactivateSubscription(ctx context.Context, userID, strategyID string) error
}

// ConfigSyncer repairs an incomplete execution config from the STRATEGY_CONFIG
// block in the on-disk strategy source.
type ConfigSyncer interface {
	SyncConfig(ctx context.Context, strategyID string) (domain.Strategy, error)
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	UserID       string
	StrategyID   string
	CredentialID string
	Capital      float64
	Overrides    domain.SubscriptionOverrides
	// TradingType may be empty; it is then inferred from the strategy config
	// or the symbol.
	TradingType domain.TradingType
}

// Service implements the subscription workflows.
type Service struct {
	subs       domain.SubscriptionStore
	strategies domain.StrategyStore
	settings   Settings
	registry   Registrar
	configSync ConfigSyncer
	events     domain.EventBus
	logger     *slog.Logger
}

// New creates a subscription Service. configSync may be nil; the first-
// subscriber path then skips the on-disk repair attempt.
func New(subs domain.SubscriptionStore, strategies domain.StrategyStore, set Settings, registry Registrar, configSync ConfigSyncer, events domain.EventBus, logger *slog.Logger) *Service {
	return &Service{
		subs:       subs,
		strategies: strategies,
		settings:   set,
		registry:   registry,
		configSync: configSync,
		events:     events,
		logger:     logger.With(slog.String("component", "subscription")),
	}
}

// Create subscribes a user to a strategy, or reactivates a cancelled
// subscription with counters reset. An active duplicate is
// domain.ErrAlreadySubscribed. Risk and leverage must resolve from the
// override or the strategy config; anything else is
// domain.ErrMissingStrategyConfig.
func (s *Service) Create(ctx context.Context, p CreateParams) (domain.Subscription, error) {
	if p.UserID == "" || p.StrategyID == "" {
		return domain.Subscription{}, fmt.Errorf("subscription: create: %w", domain.ErrEmptyIdentifier)
	}

	strat, err := s.strategies.GetByID(ctx, p.StrategyID)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription: load strategy %s: %w", p.StrategyID, err)
	}
	if !strat.Active {
		return domain.Subscription{}, fmt.Errorf("subscription: strategy %s is inactive: %w", p.StrategyID, domain.ErrNotFound)
	}

	// Risk and leverage must come from somewhere before we persist anything.
	effective, err := resolveEffective(strat, p)
	if err != nil {
		return domain.Subscription{}, err
	}
	tradingType := effective.TradingType

	var sub domain.Subscription
	existing, err := s.subs.GetByUserAndStrategy(ctx, p.UserID, p.StrategyID)
	switch {
	case err == nil && existing.Active:
		return domain.Subscription{}, fmt.Errorf("subscription: user %s strategy %s: %w", p.UserID, p.StrategyID, domain.ErrAlreadySubscribed)
	case err == nil:
		sub, err = s.subs.Reactivate(ctx, existing.ID, p.Capital, p.Overrides, tradingType)
		if err != nil {
			return domain.Subscription{}, fmt.Errorf("subscription: reactivate %s: %w", existing.ID, err)
		}
	case errors.Is(err, domain.ErrNotFound):
		sub, err = s.subs.Create(ctx, domain.Subscription{
			UserID:       p.UserID,
			StrategyID:   p.StrategyID,
			CredentialID: p.CredentialID,
			Capital:      p.Capital,
			Overrides:    p.Overrides,
			TradingType:  tradingType,
			Active:       true,
		})
		if err != nil {
			return domain.Subscription{}, fmt.Errorf("subscription: create: %w", err)
		}
	default:
		return domain.Subscription{}, fmt.Errorf("subscription: lookup %s/%s: %w", p.UserID, p.StrategyID, err)
	}

	updated, err := s.strategies.AdjustSubscriberCount(ctx, p.StrategyID, 1)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription: increment subscribers %s: %w", p.StrategyID, err)
	}

	if err := s.settings.InitializeSubscription(ctx, p.UserID, p.StrategyID, effective); err != nil {
		s.logger.Warn("subscription settings hydration failed",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()))
	}

	if updated.SubscriberCount == 1 {
		s.onFirstSubscriber(ctx, updated)
	}

	s.events.Publish(domain.EngineEvent{
		Topic:          domain.TopicSubscriptionCreated,
		At:             time.Now().UTC(),
		StrategyID:     p.StrategyID,
		UserID:         p.UserID,
		SubscriptionID: sub.ID,
	})

	s.logger.InfoContext(ctx, "subscription created",
		slog.String("subscription_id", sub.ID),
		slog.String("user_id", p.UserID),
		slog.String("strategy_id", p.StrategyID),
		slog.Int("subscribers", updated.SubscriberCount))
	return sub, nil
}

// onFirstSubscriber makes the strategy schedulable: ensure the settings hash
// exists, repairing an incomplete config from the on-disk source when it can,
// then register the candle membership. Failures are warnings; the
// subscription stands, the strategy just will not execute until the config
// is repaired.
func (s *Service) onFirstSubscriber(ctx context.Context, strat domain.Strategy) {
	st, err := s.settings.GetStrategySettings(ctx, strat.ID)
	if errors.Is(err, domain.ErrMissingStrategyConfig) && s.configSync != nil {
		if _, serr := s.configSync.SyncConfig(ctx, strat.ID); serr != nil {
			s.logger.Warn("config auto-sync failed, strategy will not execute until repaired",
				slog.String("strategy_id", strat.ID),
				slog.String("error", serr.Error()))
			return
		}
		st, err = s.settings.GetStrategySettings(ctx, strat.ID)
	}
	if err != nil {
		s.logger.Warn("strategy will not execute until its config is repaired",
			slog.String("strategy_id", strat.ID),
			slog.String("error", err.Error()))
		return
	}
	if err := s.registry.Register(ctx, strat.ID, st.Config.Symbol, st.Config.Resolution); err != nil {
		s.logger.Warn("candle registration failed",
			slog.String("strategy_id", strat.ID),
			slog.String("error", err.Error()))
	}
}

// Cancel deactivates a subscription. Cancelling an already-inactive
// subscription is an idempotent success.
func (s *Service) Cancel(ctx context.Context, id string) (domain.Subscription, error) {
	sub, err := s.subs.GetByID(ctx, id)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription: cancel %s: %w", id, err)
	}
	if !sub.Active {
		return sub, nil
	}

	sub, err = s.subs.Cancel(ctx, id)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription: cancel %s: %w", id, err)
	}

	strat, err := s.strategies.AdjustSubscriberCount(ctx, sub.StrategyID, -1)
	if err != nil {
		s.logger.Warn("decrement subscribers failed",
			slog.String("strategy_id", sub.StrategyID),
			slog.String("error", err.Error()))
	}

	if err := s.settings.DeactivateSubscription(ctx, sub.UserID, sub.StrategyID); err != nil {
		s.logger.Warn("deactivate subscription settings failed",
			slog.String("subscription_id", id),
			slog.String("error", err.Error()))
	}

	if err == nil && strat.SubscriberCount == 0 {
		s.onLastSubscriber(ctx, strat)
	}

	s.events.Publish(domain.EngineEvent{
		Topic:          domain.TopicSubscriptionCancelled,
		At:             time.Now().UTC(),
		StrategyID:     sub.StrategyID,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
	})

	s.logger.InfoContext(ctx, "subscription cancelled",
		slog.String("subscription_id", id),
		slog.String("strategy_id", sub.StrategyID))
	return sub, nil
}

func (s *Service) onLastSubscriber(ctx context.Context, strat domain.Strategy) {
	if !strat.Config.Complete() {
		return
	}
	if err := s.registry.Unregister(ctx, strat.ID, strat.Config.Symbol, strat.Config.Resolution); err != nil {
		s.logger.Warn("candle unregistration failed",
			slog.String("strategy_id", strat.ID),
			slog.String("error", err.Error()))
	}
}

// Pause marks a subscription paused. Registry membership is untouched; the
// fan-out skips paused subscribers.
func (s *Service) Pause(ctx context.Context, id string) (domain.Subscription, error) {
	sub, err := s.subs.SetPaused(ctx, id, true)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription: pause %s: %w", id, err)
	}
	return sub, nil
}

// Resume clears the paused flag.
func (s *Service) Resume(ctx context.Context, id string) (domain.Subscription, error) {
	sub, err := s.subs.SetPaused(ctx, id, false)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription: resume %s: %w", id, err)
	}
	return sub, nil
}

// UpdateOverrides patches capital and per-user risk parameters on an
// existing subscription and refreshes the cached effective settings.
func (s *Service) UpdateOverrides(ctx context.Context, id string, capital *float64, overrides domain.SubscriptionOverrides) (domain.Subscription, error) {
	sub, err := s.subs.UpdateOverrides(ctx, id, capital, overrides)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription: update overrides %s: %w", id, err)
	}

	strat, err := s.strategies.GetByID(ctx, sub.StrategyID)
	if err == nil {
		if effective, rerr := resolveEffectiveFromSubscription(strat, sub); rerr == nil {
			if err := s.settings.InitializeSubscription(ctx, sub.UserID, sub.StrategyID, effective); err != nil {
				s.logger.Warn("subscription settings refresh failed",
					slog.String("subscription_id", id),
					slog.String("error", err.Error()))
			}
		}
	}
	return sub, nil
}

// RecordTradeResult folds a closed trade's realized PnL into the
// subscription's cumulative counters.
func (s *Service) RecordTradeResult(ctx context.Context, id string, pnl float64) error {
	if err := s.subs.AddTradeResult(ctx, id, pnl, pnl > 0); err != nil {
		return fmt.Errorf("subscription: record trade result %s: %w", id, err)
	}
	return nil
}

// GetActiveSubscribers returns the active, unpaused subscribers of a
// strategy with broker credentials eagerly loaded.
func (s *Service) GetActiveSubscribers(ctx context.Context, strategyID string) ([]domain.ActiveSubscriber, error) {
	subs, err := s.subs.ListActiveSubscribers(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("subscription: active subscribers %s: %w", strategyID, err)
	}
	return subs, nil
}

// ListByUser returns every subscription of a user, active or not.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]domain.Subscription, error) {
	subs, err := s.subs.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("subscription: list by user %s: %w", userID, err)
	}
	return subs, nil
}

// ---------------------------------------------------------------------------
// Effective settings resolution
// ---------------------------------------------------------------------------

func resolveEffective(strat domain.Strategy, p CreateParams) (domain.EffectiveSettings, error) {
	return resolveLayers(strat, p.Overrides, p.TradingType)
}

func resolveEffectiveFromSubscription(strat domain.Strategy, sub domain.Subscription) (domain.EffectiveSettings, error) {
	return resolveLayers(strat, sub.Overrides, sub.TradingType)
}

// resolveLayers merges overrides over strategy config. Risk and leverage are
// required from one of the two layers; max positions and max daily loss fall
// back to soft defaults.
func resolveLayers(strat domain.Strategy, o domain.SubscriptionOverrides, explicit domain.TradingType) (domain.EffectiveSettings, error) {
	cfg := strat.Config

	risk := coalesce(o.RiskPerTrade, cfg.RiskPerTrade)
	if risk == nil {
		return domain.EffectiveSettings{}, fmt.Errorf("subscription: strategy %s risk_per_trade unresolvable: %w", strat.ID, domain.ErrMissingStrategyConfig)
	}
	leverage := coalesce(o.Leverage, cfg.Leverage)
	if leverage == nil {
		return domain.EffectiveSettings{}, fmt.Errorf("subscription: strategy %s leverage unresolvable: %w", strat.ID, domain.ErrMissingStrategyConfig)
	}

	maxPositions := DefaultMaxPositions
	if o.MaxPositions != nil {
		maxPositions = *o.MaxPositions
	} else if cfg.MaxPositions != nil {
		maxPositions = *cfg.MaxPositions
	}
	maxDailyLoss := DefaultMaxDailyLoss
	if o.MaxDailyLoss != nil {
		maxDailyLoss = *o.MaxDailyLoss
	} else if cfg.MaxDailyLoss != nil {
		maxDailyLoss = *cfg.MaxDailyLoss
	}

	return domain.EffectiveSettings{
		Symbol:       cfg.Symbol,
		Resolution:   cfg.Resolution,
		RiskPerTrade: *risk,
		Leverage:     *leverage,
		MaxPositions: maxPositions,
		MaxDailyLoss: maxDailyLoss,
		TradingType:  inferTradingType(explicit, cfg),
		IsActive:     true,
	}, nil
}

// inferTradingType resolves the trading type: explicit input wins, then the
// config flag, then the symbol convention (USDT-quoted perpetuals trade as
// futures, everything else as spot).
func inferTradingType(explicit domain.TradingType, cfg domain.ExecutionConfig) domain.TradingType {
	if explicit != "" {
		return explicit
	}
	if cfg.TradingType != "" {
		return cfg.TradingType
	}
	if strings.HasSuffix(strings.ToUpper(cfg.Symbol), "USDT") {
		return domain.TradingTypeFutures
	}
	return domain.TradingTypeSpot
}

func coalesce(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
