// Package scheduler turns the candle registry into cron jobs: one job per
// active (symbol, resolution) stream, plus maintenance jobs that keep the
// job table and the registry itself converged. Multiple scheduler processes
// may run; the per-interval distributed lock elects the winner.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stratforge/stratd/internal/candle"
	"github.com/stratforge/stratd/internal/domain"
	"github.com/stratforge/stratd/internal/registry"
)

// Default maintenance cadences.
const (
	DefaultRefreshInterval   = time.Minute
	DefaultReconcileInterval = 5 * time.Minute
	DefaultHeartbeatInterval = time.Minute
)

// Option adjusts a Scheduler at construction.
type Option func(*Scheduler)

// WithIntervals overrides the maintenance cadences. Non-positive values keep
// the defaults.
func WithIntervals(refresh, reconcile, heartbeat time.Duration) Option {
	return func(s *Scheduler) {
		if refresh > 0 {
			s.refreshEvery = refresh
		}
		if reconcile > 0 {
			s.reconcileEvery = reconcile
		}
		if heartbeat > 0 {
			s.heartbeatEvery = heartbeat
		}
	}
}

// CandleSource is the slice of the registry the scheduler reads.
type CandleSource interface {
	ActiveCandles(ctx context.Context) ([]domain.CandleKey, error)
	Refresh(ctx context.Context) error
	Reconcile(ctx context.Context) (registry.ReconcileResult, error)
}

// Executor runs every strategy registered for one candle close.
type Executor interface {
	ExecuteCandleStrategies(ctx context.Context, symbol, resolution string, boundary time.Time)
}

// Scheduler owns the cron table.
type Scheduler struct {
	cron     *cron.Cron
	source   CandleSource
	executor Executor
	workerID string
	logger   *slog.Logger

	refreshEvery   time.Duration
	reconcileEvery time.Duration
	heartbeatEvery time.Duration

	mu   sync.Mutex
	jobs map[domain.CandleKey]cron.EntryID
}

// New creates a Scheduler. The cron runs in UTC; candle boundaries are UTC
// by definition.
func New(source CandleSource, executor Executor, workerID string, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:           cron.New(cron.WithLocation(time.UTC)),
		source:         source,
		executor:       executor,
		workerID:       workerID,
		logger:         logger.With(slog.String("component", "scheduler"), slog.String("worker_id", workerID)),
		refreshEvery:   DefaultRefreshInterval,
		reconcileEvery: DefaultReconcileInterval,
		heartbeatEvery: DefaultHeartbeatInterval,
		jobs:           make(map[domain.CandleKey]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// every renders a duration as a cron spec.
func every(d time.Duration) string {
	return "@every " + d.String()
}

// Start syncs the job table from the registry, installs the maintenance
// jobs, and starts cron.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.syncJobs(ctx); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(every(s.refreshEvery), func() {
		if err := s.source.Refresh(ctx); err != nil {
			s.logger.Warn("registry refresh failed", slog.String("error", err.Error()))
		}
		if err := s.syncJobs(ctx); err != nil {
			s.logger.Warn("job sync failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(every(s.reconcileEvery), func() {
		res, err := s.source.Reconcile(ctx)
		if err != nil {
			s.logger.Warn("reconcile failed", slog.String("error", err.Error()))
			return
		}
		if res.Orphaned > 0 || res.Missing > 0 {
			s.logger.Info("reconcile repaired drift",
				slog.Int("orphaned", res.Orphaned),
				slog.Int("missing", res.Missing))
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(every(s.heartbeatEvery), func() {
		s.mu.Lock()
		count := len(s.jobs)
		s.mu.Unlock()
		s.logger.Info("scheduler heartbeat", slog.Int("candle_jobs", count))
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("candle_jobs", s.jobCount()))
	return nil
}

// Stop halts cron and waits for running jobs to return. In-flight strategy
// executions finish bounded by their runtime timeouts.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// syncJobs diffs the registry's active candles against the cron table,
// adding missing jobs and removing stale ones.
func (s *Scheduler) syncJobs(ctx context.Context) error {
	candles, err := s.source.ActiveCandles(ctx)
	if err != nil {
		return err
	}

	want := make(map[domain.CandleKey]struct{}, len(candles))
	for _, key := range candles {
		want[key] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, id := range s.jobs {
		if _, keep := want[key]; !keep {
			s.cron.Remove(id)
			delete(s.jobs, key)
			s.logger.Info("candle job removed",
				slog.String("symbol", key.Symbol),
				slog.String("resolution", key.Resolution))
		}
	}

	for key := range want {
		if _, exists := s.jobs[key]; exists {
			continue
		}
		id, err := s.addCandleJob(ctx, key)
		if err != nil {
			s.logger.Warn("candle job rejected",
				slog.String("symbol", key.Symbol),
				slog.String("resolution", key.Resolution),
				slog.String("error", err.Error()))
			continue
		}
		s.jobs[key] = id
		s.logger.Info("candle job added",
			slog.String("symbol", key.Symbol),
			slog.String("resolution", key.Resolution))
	}
	return nil
}

func (s *Scheduler) addCandleJob(ctx context.Context, key domain.CandleKey) (cron.EntryID, error) {
	spec, even, err := candle.ResolutionToCron(key.Resolution)
	if err != nil {
		return 0, err
	}
	if !even {
		s.logger.Warn("resolution does not divide the clock evenly, firings are best-effort",
			slog.String("resolution", key.Resolution),
			slog.String("cron", spec))
	}

	return s.cron.AddFunc(spec, func() {
		// Cron fires at or just after the boundary; flooring the fire time
		// recovers the boundary this firing belongs to.
		boundary, err := candle.RoundToBoundary(time.Now(), key.Resolution)
		if err != nil {
			s.logger.Error("boundary resolution failed", slog.String("error", err.Error()))
			return
		}
		s.logger.Info("candle close",
			slog.String("symbol", key.Symbol),
			slog.String("resolution", key.Resolution),
			slog.Time("boundary", boundary))
		s.executor.ExecuteCandleStrategies(ctx, key.Symbol, key.Resolution, boundary)
	})
}
