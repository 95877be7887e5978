package registry

import (
	"context"
	"log/slog"

	"github.com/stratforge/stratd/internal/domain"
)

// InterceptingStrategyStore wraps a domain.StrategyStore so every write
// emits a structured change descriptor to a single handler. Cache sync
// lives entirely in the handler; the inner store stays a pure persistence
// layer. Handler failures are logged, never propagated: the durable write
// already happened and the reconciler heals any cache gap.
type InterceptingStrategyStore struct {
	domain.StrategyStore
	handler domain.StrategyChangeHandler
	logger  *slog.Logger
}

// NewInterceptingStrategyStore wraps inner with change interception.
func NewInterceptingStrategyStore(inner domain.StrategyStore, handler domain.StrategyChangeHandler, logger *slog.Logger) *InterceptingStrategyStore {
	return &InterceptingStrategyStore{
		StrategyStore: inner,
		handler:       handler,
		logger:        logger.With(slog.String("component", "strategy_intercept")),
	}
}

func (s *InterceptingStrategyStore) emit(ctx context.Context, change domain.StrategyChange) {
	if err := s.handler.ApplyStrategyChange(ctx, change); err != nil {
		s.logger.Warn("cache sync failed, reconciler will heal",
			slog.String("op", string(change.Op)),
			slog.String("strategy_id", change.ID),
			slog.String("error", err.Error()))
	}
}

// Create persists and emits a create descriptor.
func (s *InterceptingStrategyStore) Create(ctx context.Context, strat domain.Strategy) (domain.Strategy, error) {
	created, err := s.StrategyStore.Create(ctx, strat)
	if err != nil {
		return domain.Strategy{}, err
	}
	s.emit(ctx, domain.StrategyChange{Op: domain.StrategyOpCreate, ID: created.ID, After: &created})
	return created, nil
}

// UpdateExecutionConfig persists and emits an update descriptor with the
// before-image so the reducer can detect candle moves.
func (s *InterceptingStrategyStore) UpdateExecutionConfig(ctx context.Context, id string, cfg domain.ExecutionConfig) (domain.Strategy, error) {
	before, err := s.StrategyStore.GetByID(ctx, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	after, err := s.StrategyStore.UpdateExecutionConfig(ctx, id, cfg)
	if err != nil {
		return domain.Strategy{}, err
	}
	s.emit(ctx, domain.StrategyChange{Op: domain.StrategyOpUpdate, ID: id, Before: &before, After: &after})
	return after, nil
}

// SetActive persists and emits an update descriptor.
func (s *InterceptingStrategyStore) SetActive(ctx context.Context, id string, active bool) (domain.Strategy, error) {
	before, err := s.StrategyStore.GetByID(ctx, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	after, err := s.StrategyStore.SetActive(ctx, id, active)
	if err != nil {
		return domain.Strategy{}, err
	}
	s.emit(ctx, domain.StrategyChange{Op: domain.StrategyOpUpdate, ID: id, Before: &before, After: &after})
	return after, nil
}

// Delete persists and emits a delete descriptor.
func (s *InterceptingStrategyStore) Delete(ctx context.Context, id string) error {
	before, err := s.StrategyStore.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.StrategyStore.Delete(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, domain.StrategyChange{Op: domain.StrategyOpDelete, ID: id, Before: &before})
	return nil
}

// DeleteMany persists and emits a bulk descriptor, which the reducer turns
// into a full reconcile.
func (s *InterceptingStrategyStore) DeleteMany(ctx context.Context, ids []string) (int64, error) {
	n, err := s.StrategyStore.DeleteMany(ctx, ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.emit(ctx, domain.StrategyChange{Op: domain.StrategyOpBulk})
	}
	return n, nil
}

// AdjustSubscriberCount passes through without emitting: subscriber-count
// transitions are handled by the subscription service, which already calls
// register/unregister at the first/last-subscriber boundaries.

// Compile-time interface check.
var _ domain.StrategyStore = (*InterceptingStrategyStore)(nil)
