package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/stratforge/stratd/internal/domain"
	"github.com/stratforge/stratd/internal/engine"
	"github.com/stratforge/stratd/internal/notify"
	"github.com/stratforge/stratd/internal/registry"
	"github.com/stratforge/stratd/internal/runtime"
	"github.com/stratforge/stratd/internal/scheduler"
	"github.com/stratforge/stratd/internal/server"
	"github.com/stratforge/stratd/internal/server/handler"
	"github.com/stratforge/stratd/internal/server/ws"
	"github.com/stratforge/stratd/internal/settings"
	"github.com/stratforge/stratd/internal/subscription"
)

// services holds the domain services built on top of Dependencies. The
// strategy store here is the intercepting wrapper: writes through it keep
// the registry cache converged without waiting for the reconciler.
type services struct {
	strategies    domain.StrategyStore
	registry      *registry.Registry
	settings      *settings.Service
	subscriptions *subscription.Service
	coordinator   *engine.Coordinator
}

// buildServices assembles the service graph every mode shares: runtime
// loader and invoker, settings service, registry with its cache syncer,
// subscription workflow, and the execution coordinator.
func (a *App) buildServices(deps *Dependencies) *services {
	loader := runtime.NewLoader(a.cfg.Runtime.StrategiesDir)
	configSync := runtime.NewConfigSync(loader, deps.StrategyStore, a.logger)
	invoker := runtime.NewInvoker(runtime.InvokerConfig{
		Python:            a.cfg.Runtime.PythonBin,
		LegacyRunner:      a.cfg.Runtime.LegacyRunner,
		MultiTenantRunner: a.cfg.Runtime.MultiTenantRunner,
		LiveTraderRunner:  a.cfg.Runtime.LiveTraderRunner,
		LegacyTimeout:     a.cfg.Runtime.LegacyTimeout.Duration,
		WrapperTimeout:    a.cfg.Runtime.WrapperTimeout.Duration,
	}, loader, a.logger)

	settingsSvc := settings.New(
		deps.SettingsCache,
		deps.LockManager,
		deps.SignalBus,
		deps.StrategyStore,
		a.cfg.Engine.SubscriptionSettingsTTL.Duration,
		a.logger,
	)

	reg := registry.New(deps.RegistryCache, deps.SignalBus, deps.StrategyStore, configSync, a.logger)
	syncer := registry.NewCacheSyncer(reg, deps.SettingsCache, a.logger)
	strategies := registry.NewInterceptingStrategyStore(deps.StrategyStore, syncer, a.logger)

	// The subscription path syncs configs through the intercepting store so a
	// first-subscribe repair flows straight into the cache.
	subSync := runtime.NewConfigSync(loader, strategies, a.logger)
	subSvc := subscription.New(deps.SubscriptionStore, strategies, settingsSvc, reg, subSync, deps.Bus, a.logger)

	coordinator := engine.New(
		settingsSvc,
		subSvc,
		reg,
		invoker,
		deps.Broker,
		deps.TradeStore,
		deps.ExecutionStore,
		deps.Vault,
		deps.Bus,
		a.cfg.Engine.WorkerID,
		a.logger,
	)

	return &services{
		strategies:    strategies,
		registry:      reg,
		settings:      settingsSvc,
		subscriptions: subSvc,
		coordinator:   coordinator,
	}
}

// SchedulerMode runs the candle-close execution plane: the registry, the
// cron scheduler driving the coordinator, operator alerts, and the archive
// job when enabled. No HTTP surface.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")

	svcs := a.buildServices(deps)
	g, ctx := errgroup.WithContext(ctx)

	if err := svcs.registry.Start(ctx); err != nil {
		return fmt.Errorf("scheduler mode: %w", err)
	}

	if err := a.startScheduler(ctx, g, svcs); err != nil {
		return fmt.Errorf("scheduler mode: %w", err)
	}
	a.startNotifyBridge(ctx, g, deps)
	if err := a.startArchiveCron(ctx, g, deps); err != nil {
		return fmt.Errorf("scheduler mode: %w", err)
	}

	return g.Wait()
}

// APIMode runs the HTTP + WebSocket surface only. Strategy executions come
// from scheduler processes; this mode serves deploys, subscriptions, and
// the event stream.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	if !a.cfg.Server.Enabled {
		return fmt.Errorf("api mode: server.enabled is false")
	}

	svcs := a.buildServices(deps)
	g, ctx := errgroup.WithContext(ctx)

	a.startNotifyBridge(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, svcs)

	return g.Wait()
}

// FullMode runs everything in one process: execution plane plus the HTTP
// surface.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svcs := a.buildServices(deps)
	g, ctx := errgroup.WithContext(ctx)

	if err := svcs.registry.Start(ctx); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	if err := a.startScheduler(ctx, g, svcs); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.startNotifyBridge(ctx, g, deps)
	if err := a.startArchiveCron(ctx, g, deps); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
	}

	return g.Wait()
}

// startScheduler starts the candle cron and stops it when the context ends.
func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, svcs *services) error {
	sched := scheduler.New(svcs.registry, svcs.coordinator, a.cfg.Engine.WorkerID, a.logger,
		scheduler.WithIntervals(
			a.cfg.Scheduler.RefreshInterval.Duration,
			a.cfg.Scheduler.ReconcileInterval.Duration,
			a.cfg.Scheduler.HeartbeatInterval.Duration,
		))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		sched.Stop()
		return ctx.Err()
	})
	return nil
}

// startNotifyBridge forwards engine events to the configured alert channels.
func (a *App) startNotifyBridge(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	bridge := notify.NewBridge(deps.Bus, deps.Notifier, a.logger)
	g.Go(func() error {
		bridge.Run(ctx)
		return ctx.Err()
	})
}

// startArchiveCron schedules the cold-storage pass. Records older than the
// retention window are uploaded to object storage; pruning is a separate
// opt-in.
func (a *App) startArchiveCron(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if !a.cfg.Archive.Enabled || deps.Archiver == nil {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(a.cfg.Archive.Cron, func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
		if n, err := deps.Archiver.ArchiveExecutions(ctx, cutoff); err != nil {
			a.logger.Warn("execution archive failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.Info("executions archived", slog.Int64("count", n))
		}
		if n, err := deps.Archiver.ArchiveTrades(ctx, cutoff); err != nil {
			a.logger.Warn("trade archive failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.Info("trades archived", slog.Int64("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("archive cron %q: %w", a.cfg.Archive.Cron, err)
	}

	c.Start()
	a.logger.Info("archive job scheduled",
		slog.String("cron", a.cfg.Archive.Cron),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays))
	g.Go(func() error {
		<-ctx.Done()
		<-c.Stop().Done()
		return ctx.Err()
	})
	return nil
}

// startHTTPServer starts the WebSocket hub and the HTTP server, and shuts
// the server down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	hub := ws.NewHub(deps.Bus, a.cfg.Engine.WorkerID, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, a.cfg.Engine.WorkerID, map[string]handler.Pinger{
			"postgres": deps.Postgres,
			"redis":    deps.Redis,
		}),
		Strategies:    handler.NewStrategyHandler(svcs.strategies, svcs.settings, deps.ExecutionStore, a.logger),
		Subscriptions: handler.NewSubscriptionHandler(svcs.subscriptions, deps.CredentialStore, deps.Vault, deps.Broker, deps.TradeStore, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIToken,
		RateLimit:   a.cfg.Server.RateLimitPerMin,
		RateWindow:  time.Minute,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	})
}
