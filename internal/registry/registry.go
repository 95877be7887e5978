// Package registry maintains the candle-to-strategies index that drives
// scheduling: a shared Redis side every process can see, an in-memory map
// for O(1) reads on the hot path, and a pub/sub channel pair that keeps the
// local maps of all processes converged.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stratforge/stratd/internal/domain"
)

// Pub/sub channels for cross-process registry deltas.
const (
	ChannelRegister   = "strategy:register"
	ChannelUnregister = "strategy:unregister"
)

// delta is the wire format published on the registry channels.
type delta struct {
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	Resolution string `json:"resolution"`
}

// ConfigSyncer repairs an incomplete execution config from the strategy's
// on-disk source and persists the result. Implemented by the runtime
// package.
type ConfigSyncer interface {
	SyncConfig(ctx context.Context, strategyID string) (domain.Strategy, error)
}

// Registry is the candle→strategies index. All mutations go through the
// shared cache first and the local map second; inbound pub/sub deltas touch
// only the local map and are never re-published.
type Registry struct {
	cache      domain.RegistryCache
	signals    domain.SignalBus
	strategies domain.StrategyStore
	syncer     ConfigSyncer
	logger     *slog.Logger

	mu    sync.RWMutex
	local map[domain.CandleKey]map[string]struct{}
}

// New creates a Registry. syncer may be nil; incomplete configs are then
// skipped with a warning instead of repaired.
func New(cache domain.RegistryCache, signals domain.SignalBus, strategies domain.StrategyStore, syncer ConfigSyncer, logger *slog.Logger) *Registry {
	return &Registry{
		cache:      cache,
		signals:    signals,
		strategies: strategies,
		syncer:     syncer,
		logger:     logger.With(slog.String("component", "registry")),
		local:      make(map[domain.CandleKey]map[string]struct{}),
	}
}

// Register adds a strategy to the candle set for (symbol, resolution),
// records its registration config, publishes the delta, and updates the
// local map.
func (r *Registry) Register(ctx context.Context, strategyID, symbol, resolution string) error {
	if strategyID == "" || symbol == "" || resolution == "" {
		return fmt.Errorf("registry: register %q/%q/%q: %w", strategyID, symbol, resolution, domain.ErrEmptyIdentifier)
	}

	if err := r.cache.AddMember(ctx, symbol, resolution, strategyID); err != nil {
		return fmt.Errorf("registry: register %s: %w", strategyID, err)
	}
	if err := r.cache.SetRegistration(ctx, strategyID, symbol, resolution); err != nil {
		return fmt.Errorf("registry: register %s: %w", strategyID, err)
	}

	r.applyLocal(strategyID, symbol, resolution, true)
	r.publish(ctx, ChannelRegister, strategyID, symbol, resolution)

	r.logger.InfoContext(ctx, "strategy registered",
		slog.String("strategy_id", strategyID),
		slog.String("symbol", symbol),
		slog.String("resolution", resolution))
	return nil
}

// Unregister removes a strategy from the candle set, publishes the delta,
// and updates the local map. The shared set's key is deleted when it
// becomes empty.
func (r *Registry) Unregister(ctx context.Context, strategyID, symbol, resolution string) error {
	if strategyID == "" || symbol == "" || resolution == "" {
		return fmt.Errorf("registry: unregister %q/%q/%q: %w", strategyID, symbol, resolution, domain.ErrEmptyIdentifier)
	}

	remaining, err := r.cache.RemoveMember(ctx, symbol, resolution, strategyID)
	if err != nil {
		return fmt.Errorf("registry: unregister %s: %w", strategyID, err)
	}

	r.applyLocal(strategyID, symbol, resolution, false)
	r.publish(ctx, ChannelUnregister, strategyID, symbol, resolution)

	r.logger.InfoContext(ctx, "strategy unregistered",
		slog.String("strategy_id", strategyID),
		slog.String("symbol", symbol),
		slog.String("resolution", resolution),
		slog.Int64("remaining", remaining))
	return nil
}

// UpdateRegistration moves a strategy from one candle to another.
func (r *Registry) UpdateRegistration(ctx context.Context, strategyID, oldSymbol, oldResolution, newSymbol, newResolution string) error {
	if oldSymbol == newSymbol && oldResolution == newResolution {
		return nil
	}
	if err := r.Unregister(ctx, strategyID, oldSymbol, oldResolution); err != nil {
		return err
	}
	return r.Register(ctx, strategyID, newSymbol, newResolution)
}

// GetForCandle returns the strategies registered for (symbol, resolution).
// The local map answers directly; a miss falls back to the shared cache and
// fills the map.
func (r *Registry) GetForCandle(ctx context.Context, symbol, resolution string) ([]string, error) {
	key := domain.CandleKey{Symbol: symbol, Resolution: resolution}

	r.mu.RLock()
	set, ok := r.local[key]
	if ok {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		r.mu.RUnlock()
		return ids, nil
	}
	r.mu.RUnlock()

	ids, err := r.cache.Members(ctx, symbol, resolution)
	if err != nil {
		return nil, fmt.Errorf("registry: get for candle %s:%s: %w", symbol, resolution, err)
	}

	r.mu.Lock()
	set = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	r.local[key] = set
	r.mu.Unlock()

	return ids, nil
}

// ActiveCandles enumerates every candle stream with at least one registered
// strategy.
func (r *Registry) ActiveCandles(ctx context.Context) ([]domain.CandleKey, error) {
	candles, err := r.cache.ActiveCandles(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: active candles: %w", err)
	}
	return candles, nil
}

// Refresh rebuilds the local map from the shared cache.
func (r *Registry) Refresh(ctx context.Context) error {
	candles, err := r.cache.ActiveCandles(ctx)
	if err != nil {
		return fmt.Errorf("registry: refresh: %w", err)
	}

	fresh := make(map[domain.CandleKey]map[string]struct{}, len(candles))
	for _, key := range candles {
		ids, err := r.cache.Members(ctx, key.Symbol, key.Resolution)
		if err != nil {
			return fmt.Errorf("registry: refresh %s:%s: %w", key.Symbol, key.Resolution, err)
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		fresh[key] = set
	}

	r.mu.Lock()
	r.local = fresh
	r.mu.Unlock()
	return nil
}

// Clear wipes every candle set and registration hash, shared and local.
// Admin escape hatch.
func (r *Registry) Clear(ctx context.Context) error {
	if err := r.cache.Clear(ctx); err != nil {
		return fmt.Errorf("registry: clear: %w", err)
	}
	r.mu.Lock()
	r.local = make(map[domain.CandleKey]map[string]struct{})
	r.mu.Unlock()
	return nil
}

// Start performs the initial sync and launches the pub/sub applier. Active
// strategies with subscribers are registered; an incomplete execution
// config is first repaired from the on-disk strategy source when a syncer
// is configured. The applier runs until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	strategies, err := r.strategies.ListActiveSubscribed(ctx)
	if err != nil {
		return fmt.Errorf("registry: start: %w", err)
	}

	for _, strat := range strategies {
		cfg := strat.Config
		if !cfg.Complete() {
			if r.syncer == nil {
				r.logger.Warn("strategy config incomplete, no syncer configured; skipping",
					slog.String("strategy_id", strat.ID))
				continue
			}
			synced, err := r.syncer.SyncConfig(ctx, strat.ID)
			if err != nil {
				r.logger.Warn("strategy config auto-sync failed; strategy will not execute",
					slog.String("strategy_id", strat.ID),
					slog.String("error", err.Error()))
				continue
			}
			cfg = synced.Config
			if !cfg.Complete() {
				r.logger.Warn("strategy config still incomplete after auto-sync",
					slog.String("strategy_id", strat.ID))
				continue
			}
		}
		if err := r.Register(ctx, strat.ID, cfg.Symbol, cfg.Resolution); err != nil {
			r.logger.Warn("initial registration failed",
				slog.String("strategy_id", strat.ID),
				slog.String("error", err.Error()))
		}
	}

	if err := r.subscribeDeltas(ctx); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "registry started",
		slog.Int("strategies", len(strategies)))
	return nil
}

// subscribeDeltas applies register/unregister messages from other processes
// to the local map. Inbound deltas are never re-published.
func (r *Registry) subscribeDeltas(ctx context.Context) error {
	registerCh, err := r.signals.Subscribe(ctx, ChannelRegister)
	if err != nil {
		return fmt.Errorf("registry: subscribe %s: %w", ChannelRegister, err)
	}
	unregisterCh, err := r.signals.Subscribe(ctx, ChannelUnregister)
	if err != nil {
		return fmt.Errorf("registry: subscribe %s: %w", ChannelUnregister, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-registerCh:
				if !ok {
					return
				}
				r.applyDelta(payload, true)
			case payload, ok := <-unregisterCh:
				if !ok {
					return
				}
				r.applyDelta(payload, false)
			}
		}
	}()
	return nil
}

func (r *Registry) applyDelta(payload []byte, add bool) {
	var d delta
	if err := json.Unmarshal(payload, &d); err != nil {
		r.logger.Warn("malformed registry delta", slog.String("error", err.Error()))
		return
	}
	if d.StrategyID == "" || d.Symbol == "" || d.Resolution == "" {
		return
	}
	r.applyLocal(d.StrategyID, d.Symbol, d.Resolution, add)
}

func (r *Registry) applyLocal(strategyID, symbol, resolution string, add bool) {
	key := domain.CandleKey{Symbol: symbol, Resolution: resolution}

	r.mu.Lock()
	defer r.mu.Unlock()

	if add {
		set, ok := r.local[key]
		if !ok {
			set = make(map[string]struct{})
			r.local[key] = set
		}
		set[strategyID] = struct{}{}
		return
	}
	if set, ok := r.local[key]; ok {
		delete(set, strategyID)
		if len(set) == 0 {
			delete(r.local, key)
		}
	}
}

func (r *Registry) publish(ctx context.Context, channel, strategyID, symbol, resolution string) {
	payload, err := json.Marshal(delta{StrategyID: strategyID, Symbol: symbol, Resolution: resolution})
	if err != nil {
		return
	}
	if err := r.signals.Publish(ctx, channel, payload); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("registry publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
	}
}
