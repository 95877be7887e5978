package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stratforge/stratd/internal/domain"
)

// CacheSyncer is the single reducer that turns strategy-store change
// descriptors into registry and settings-cache operations, keeping the
// derived cache consistent with durable writes no matter which code path
// performed them.
type CacheSyncer struct {
	registry *Registry
	settings domain.SettingsCache
	logger   *slog.Logger
}

// NewCacheSyncer creates a CacheSyncer feeding the given registry.
func NewCacheSyncer(registry *Registry, settings domain.SettingsCache, logger *slog.Logger) *CacheSyncer {
	return &CacheSyncer{
		registry: registry,
		settings: settings,
		logger:   logger.With(slog.String("component", "cache_syncer")),
	}
}

// ApplyStrategyChange maps one write descriptor onto cache operations:
//
//	create, active + complete config     -> register
//	update, active flipped off           -> unregister (cached config)
//	update, active flipped on            -> register (new config)
//	update, config changed while active  -> update registration
//	delete                               -> unregister + drop config + settings
//	bulk or unknown shape                -> full reconcile
//
// The derived settings hash is always dropped so the next read re-hydrates.
func (s *CacheSyncer) ApplyStrategyChange(ctx context.Context, change domain.StrategyChange) error {
	defer func() {
		if change.ID != "" {
			if err := s.settings.DropStrategySettings(ctx, change.ID); err != nil {
				s.logger.Warn("drop strategy settings failed",
					slog.String("strategy_id", change.ID),
					slog.String("error", err.Error()))
			}
		}
	}()

	switch change.Op {
	case domain.StrategyOpCreate:
		if change.After != nil && change.After.Active && change.After.Config.Complete() {
			return s.registry.Register(ctx, change.After.ID, change.After.Config.Symbol, change.After.Config.Resolution)
		}
		return nil

	case domain.StrategyOpUpdate:
		return s.applyUpdate(ctx, change)

	case domain.StrategyOpDelete:
		return s.applyDelete(ctx, change)

	default:
		// Bulk writes carry no per-row before/after; heal everything.
		s.logger.Info("bulk strategy write, triggering full reconcile")
		_, err := s.registry.Reconcile(ctx)
		return err
	}
}

func (s *CacheSyncer) applyUpdate(ctx context.Context, change domain.StrategyChange) error {
	after := change.After
	if after == nil {
		_, err := s.registry.Reconcile(ctx)
		return err
	}

	wasActive := change.Before != nil && change.Before.Active

	switch {
	case wasActive && !after.Active:
		symbol, resolution := s.registeredCandle(ctx, change)
		if symbol == "" || resolution == "" {
			return nil
		}
		return s.registry.Unregister(ctx, after.ID, symbol, resolution)

	case !wasActive && after.Active:
		if !after.Config.Complete() {
			return nil
		}
		return s.registry.Register(ctx, after.ID, after.Config.Symbol, after.Config.Resolution)

	case after.Active && change.Before != nil &&
		(change.Before.Config.Symbol != after.Config.Symbol ||
			change.Before.Config.Resolution != after.Config.Resolution):
		if !after.Config.Complete() {
			return nil
		}
		return s.registry.UpdateRegistration(ctx, after.ID,
			change.Before.Config.Symbol, change.Before.Config.Resolution,
			after.Config.Symbol, after.Config.Resolution)
	}
	return nil
}

func (s *CacheSyncer) applyDelete(ctx context.Context, change domain.StrategyChange) error {
	symbol, resolution := s.registeredCandle(ctx, change)
	if symbol != "" && resolution != "" {
		if err := s.registry.Unregister(ctx, change.ID, symbol, resolution); err != nil {
			s.logger.Warn("unregister on delete failed",
				slog.String("strategy_id", change.ID),
				slog.String("error", err.Error()))
		}
	}
	if err := s.registry.cache.DropRegistration(ctx, change.ID); err != nil {
		return fmt.Errorf("registry: drop registration on delete %s: %w", change.ID, err)
	}
	return nil
}

// registeredCandle resolves the (symbol, resolution) a strategy was
// registered under, preferring the cached registration hash over the
// change descriptor's before-image.
func (s *CacheSyncer) registeredCandle(ctx context.Context, change domain.StrategyChange) (string, string) {
	symbol, resolution, err := s.registry.cache.GetRegistration(ctx, change.ID)
	if err == nil && symbol != "" && resolution != "" {
		return symbol, resolution
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("get registration failed",
			slog.String("strategy_id", change.ID),
			slog.String("error", err.Error()))
	}
	if change.Before != nil {
		return change.Before.Config.Symbol, change.Before.Config.Resolution
	}
	return "", ""
}

// Compile-time interface check.
var _ domain.StrategyChangeHandler = (*CacheSyncer)(nil)
