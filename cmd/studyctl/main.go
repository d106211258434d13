// Package main is the interactive studysync client.
//
// It signs in anonymously, follows the profile of that identity through the
// configured store and records study events typed at the prompt.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/pulsecard/studysync/config"
	"github.com/pulsecard/studysync/internal/application/session"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/internal/infrastructure/identity"
	"github.com/pulsecard/studysync/internal/infrastructure/messaging"
	"github.com/pulsecard/studysync/internal/infrastructure/persistence/backend"
	"github.com/pulsecard/studysync/internal/infrastructure/scheduler"
	"github.com/pulsecard/studysync/internal/infrastructure/scheduler/jobs"
	"github.com/pulsecard/studysync/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// eventBus is the bus the client publishes to and prints from.
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

	// Logs go to stderr so they never interleave with the prompt output.
	log := logger.New(logger.Options{
		Output: os.Stderr,
		Level:  logger.ParseLevel(cfg.Observability.LogLevel),
		Format: logger.ParseFormat(cfg.Observability.LogFormat),
		Attrs:  []slog.Attr{slog.String("service", "studyctl"), slog.String("version", cfg.App.Version)},
	})
	slog.SetDefault(log)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. STORE
	// ─────────────────────────────────────────────────────────────────────────
	store, err := backend.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close store", "error", err)
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 3. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	var bus eventBus
	localCfg := messaging.DefaultInMemoryEventBusConfig()
	localCfg.Logger = log
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
	defer func() { _ = bus.Close() }()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. IDENTITY AND SESSION
	// ─────────────────────────────────────────────────────────────────────────
	ident, err := identity.NewAnonymous(cfg.App.IdentityFile, log)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	defer ident.Close()

	sessCfg := session.DefaultConfig()
	sessCfg.Store = store.Store
	sessCfg.Policy = cfg.App.Policy
	sessCfg.Logger = log
	sessCfg.Publisher = bus
	sessCfg.DefaultGoal = cfg.Profile.DefaultDailyGoal
	sessCfg.WriteTimeout = cfg.Store.WriteTimeout

	manager, err := session.NewManager(sessCfg)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	sh := newShell(os.Stdout, ident, manager, store.Store, bus, cfg)

	stopWatch := manager.Watch(sh.printState)
	defer stopWatch()
	if err := bus.SubscribeAll(sh.printEvent); err != nil {
		return err
	}

	stopFollow := manager.FollowIdentity(ident)
	defer stopFollow()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. DAY BOUNDARY
	// ─────────────────────────────────────────────────────────────────────────
	schedCfg := scheduler.DefaultSchedulerConfig()
	schedCfg.Logger = log
	sched := scheduler.NewScheduler(schedCfg)
	if err := sched.Register(jobs.NewRefreshSessionJob(manager, log), scheduler.NewDailySchedule(cfg.App.Policy, 0)); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	// ─────────────────────────────────────────────────────────────────────────
	// 6. PROMPT
	// ─────────────────────────────────────────────────────────────────────────
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	return sh.loop(ctx, os.Stdin, interactive)
}
