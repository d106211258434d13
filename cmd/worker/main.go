// Package main is the studysync worker.
//
// The worker resets the day-scoped fields of profiles nobody has opened since
// midnight, so that stored records read correctly for every consumer. It runs
// the sweep shortly after each day boundary of the configured time zone and,
// optionally, on a fixed interval as a safety net.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsecard/studysync/config"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/internal/infrastructure/messaging"
	"github.com/pulsecard/studysync/internal/infrastructure/persistence/backend"
	"github.com/pulsecard/studysync/internal/infrastructure/scheduler"
	"github.com/pulsecard/studysync/internal/infrastructure/scheduler/jobs"
	"github.com/pulsecard/studysync/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

type eventBus interface {
	shared.EventBus
	Close() error
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION AND LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	log.Info("starting studysync worker",
		"env", cfg.App.Environment,
		"backend", cfg.Store.Backend,
		"timezone", cfg.App.Timezone,
	)

	if cfg.Store.Backend == config.BackendMemory {
		log.Warn("memory backend selected, the sweep only sees this process's profiles")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. STORE (migrations run on open for postgres)
	// ─────────────────────────────────────────────────────────────────────────
	store, err := backend.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		log.Info("closing store...")
		if err := store.Close(); err != nil {
			log.Warn("failed to close store", "error", err)
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 3. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	localCfg := messaging.DefaultInMemoryEventBusConfig()
	localCfg.Logger = log
	localCfg.AsyncMode = true

	var bus eventBus
	if store.Events != nil {
		bus, err = messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			Client:         store.Events,
			LocalBusConfig: localCfg,
			Logger:         log,
		})
		if err != nil {
			return fmt.Errorf("failed to start event bus: %w", err)
		}
	} else {
		bus = messaging.NewInMemoryEventBus(localCfg)
	}
	defer func() {
		log.Info("closing event bus...")
		_ = bus.Close()
	}()

	if err := bus.SubscribeAll(func(event shared.Event) error {
		log.Info("event",
			"type", event.EventType(),
			"identity", event.AggregateID(),
			"payload", event.Payload(),
		)
		return nil
	}); err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	schedCfg := scheduler.DefaultSchedulerConfig()
	schedCfg.Logger = log
	sched := scheduler.NewScheduler(schedCfg)

	sweepCfg := jobs.DefaultReconcileProfilesConfig()
	sweepCfg.BatchSize = cfg.Scheduler.SweepBatchSize
	sweepCfg.Concurrency = cfg.Scheduler.SweepConcurrency
	sweepCfg.Timeout = cfg.Scheduler.JobTimeout

	sweep := jobs.NewReconcileProfilesJob(jobs.ReconcileProfilesDeps{
		Lister:    store.Store,
		Reader:    store.Store,
		Updater:   store.Store,
		Publisher: bus,
		Policy:    cfg.App.Policy,
		Logger:    log,
	}, sweepCfg)

	var schedule scheduler.Schedule = scheduler.NewDailySchedule(cfg.App.Policy, cfg.Scheduler.SweepOffset)
	if cfg.Scheduler.SweepInterval > 0 {
		schedule = scheduler.NewEarliestSchedule(schedule, scheduler.NewIntervalSchedule(cfg.Scheduler.SweepInterval))
	}
	if err := sched.Register(sweep, schedule); err != nil {
		return err
	}

	sched.OnJobComplete(func(result scheduler.JobResult) {
		if stats := sweep.LastRunStats(); stats != nil && result.JobName == sweep.Name() {
			log.Info("sweep summary",
				"day", stats.Day,
				"reset", stats.Reset,
				"streaks_lost", stats.StreaksLost,
				"raced", stats.Raced,
				"failed", stats.Failed,
			)
		}
	})

	if !cfg.Scheduler.Enabled {
		log.Info("scheduler disabled, running one sweep and exiting")
		_, err := sched.RunNow(ctx, sweep.Name())
		return err
	}

	// Catch up on a boundary crossed while the worker was down.
	if _, err := sched.RunNow(ctx, sweep.Name()); err != nil {
		log.Warn("startup sweep failed", "error", err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	for _, job := range sched.ListJobs() {
		log.Info("job scheduled", "job", job.Name, "schedule", job.Schedule, "next_run", job.NextRun.Format(time.RFC3339))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())

	stopped := make(chan error, 1)
	go func() { stopped <- sched.Stop() }()

	select {
	case err := <-stopped:
		if err != nil {
			log.Warn("scheduler stop failed", "error", err)
		}
	case <-time.After(cfg.App.ShutdownTimeout):
		log.Warn("shutdown timed out, exiting with jobs still running")
	}

	log.Info("shutdown completed successfully")
	return nil
}

// setupLogger configures structured logging: text in development, JSON otherwise
// unless LOG_FORMAT says otherwise.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := logger.DefaultOptions()
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	opts.Format = logger.ParseFormat(cfg.Observability.LogFormat)
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}
	if cfg.IsDevelopment() && os.Getenv("LOG_FORMAT") == "" {
		opts.Format = logger.FormatText
	}
	opts.Attrs = []slog.Attr{
		slog.String("service", "worker"),
		slog.String("version", cfg.App.Version),
	}

	log := logger.New(opts)
	slog.SetDefault(log)
	return log
}
