package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stratforge/stratd/internal/domain"
)

// ReconcileResult summarizes one bidirectional repair pass.
type ReconcileResult struct {
	// Orphaned counts members removed from candle sets: empty strings,
	// unknown strategies, and inactive strategies.
	Orphaned int
	// Missing counts memberships added for schedulable strategies the
	// cache had lost.
	Missing int
	Errors  []string
}

// Reconcile heals drift between the durable store and the candle sets in
// both directions, then rebuilds the local map. Safe to invoke at any time
// and idempotent: a second pass right after a successful one reports zero
// orphaned and zero missing.
func (r *Registry) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	// Pass 1: drop members the durable store does not vouch for.
	candles, err := r.cache.ActiveCandles(ctx)
	if err != nil {
		return res, fmt.Errorf("registry: reconcile: %w", err)
	}
	for _, key := range candles {
		members, err := r.cache.Members(ctx, key.Symbol, key.Resolution)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("members %s:%s: %v", key.Symbol, key.Resolution, err))
			continue
		}
		for _, id := range members {
			drop := false
			switch {
			case id == "":
				drop = true
			default:
				strat, err := r.strategies.GetByID(ctx, id)
				if errors.Is(err, domain.ErrNotFound) {
					drop = true
				} else if err != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("load strategy %s: %v", id, err))
					continue
				} else if !strat.Active || strat.SubscriberCount <= 0 {
					drop = true
				}
			}
			if !drop {
				continue
			}
			if _, err := r.cache.RemoveMember(ctx, key.Symbol, key.Resolution, id); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("remove %q from %s:%s: %v", id, key.Symbol, key.Resolution, err))
				continue
			}
			res.Orphaned++
		}
	}

	// Pass 2: restore memberships the cache has lost.
	schedulable, err := r.strategies.ListSchedulable(ctx)
	if err != nil {
		return res, fmt.Errorf("registry: reconcile: %w", err)
	}
	for _, strat := range schedulable {
		ok, err := r.cache.IsMember(ctx, strat.Config.Symbol, strat.Config.Resolution, strat.ID)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("is member %s: %v", strat.ID, err))
			continue
		}
		if ok {
			continue
		}
		if err := r.cache.AddMember(ctx, strat.Config.Symbol, strat.Config.Resolution, strat.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("add %s to %s:%s: %v", strat.ID, strat.Config.Symbol, strat.Config.Resolution, err))
			continue
		}
		if err := r.cache.SetRegistration(ctx, strat.ID, strat.Config.Symbol, strat.Config.Resolution); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("set registration %s: %v", strat.ID, err))
		}
		res.Missing++
	}

	if err := r.Refresh(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("refresh: %v", err))
	}

	if res.Orphaned > 0 || res.Missing > 0 || len(res.Errors) > 0 {
		r.logger.InfoContext(ctx, "registry reconciled",
			slog.Int("orphaned", res.Orphaned),
			slog.Int("missing", res.Missing),
			slog.Int("errors", len(res.Errors)))
	}
	return res, nil
}
