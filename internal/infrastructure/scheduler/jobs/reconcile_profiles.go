// Package jobs contains the scheduled jobs of the sync worker.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE PROFILES JOB
// ══════════════════════════════════════════════════════════════════════════════

// ReconcileProfilesJob resets the day-scoped fields of profiles that nobody
// opened since the day changed, so that stored records read correctly for
// any consumer that does not reconcile on its own.
//
// Each write is guarded on the last study date the job read. A study event
// that lands in between wins and the profile is left alone.
type ReconcileProfilesJob struct {
	lister    profile.StaleLister
	reader    profile.Reader
	updater   profile.GuardedUpdater
	publisher shared.EventPublisher
	policy    timeutil.Policy
	clock     timeutil.Clock
	logger    *slog.Logger

	config ReconcileProfilesConfig

	lastRunStats atomic.Value // *ReconcileStats
}

// ReconcileProfilesConfig contains configuration for the sweep.
type ReconcileProfilesConfig struct {
	// BatchSize caps how many identities are listed per round. Zero lists all at once.
	BatchSize int

	// Concurrency is the number of profiles reconciled in parallel.
	Concurrency int

	// Timeout is the maximum duration of one run.
	Timeout time.Duration
}

// DefaultReconcileProfilesConfig returns sensible defaults.
func DefaultReconcileProfilesConfig() ReconcileProfilesConfig {
	return ReconcileProfilesConfig{
		BatchSize:   200,
		Concurrency: 8,
		Timeout:     10 * time.Minute,
	}
}

// ReconcileStats contains statistics from a sweep run.
type ReconcileStats struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Day         string
	Rounds      int
	Checked     int
	Reset       int
	StreaksLost int
	Skipped     int // absent or already reconciled
	Raced       int // a concurrent study event moved the date
	Failed      int
}

// ReconcileProfilesDeps groups the collaborators of the sweep.
type ReconcileProfilesDeps struct {
	Lister    profile.StaleLister
	Reader    profile.Reader
	Updater   profile.GuardedUpdater
	Publisher shared.EventPublisher
	Policy    timeutil.Policy
	Clock     timeutil.Clock
	Logger    *slog.Logger
}

// NewReconcileProfilesJob creates a new sweep job.
func NewReconcileProfilesJob(deps ReconcileProfilesDeps, config ReconcileProfilesConfig) *ReconcileProfilesJob {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.SystemClock{}
	}
	if deps.Publisher == nil {
		deps.Publisher = shared.NopPublisher{}
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	return &ReconcileProfilesJob{
		lister:    deps.Lister,
		reader:    deps.Reader,
		updater:   deps.Updater,
		publisher: deps.Publisher,
		policy:    deps.Policy,
		clock:     deps.Clock,
		logger:    deps.Logger.With("job", "reconcile_profiles"),
		config:    config,
	}
}

// Name returns the job name.
func (j *ReconcileProfilesJob) Name() string {
	return "reconcile_profiles"
}

// Description returns a human-readable description.
func (j *ReconcileProfilesJob) Description() string {
	return "Resets daily progress and lapsed streaks of profiles not opened today"
}

// LastRunStats returns the statistics of the last completed run, or nil.
func (j *ReconcileProfilesJob) LastRunStats() *ReconcileStats {
	stats, _ := j.lastRunStats.Load().(*ReconcileStats)
	return stats
}

// Run executes one sweep.
func (j *ReconcileProfilesJob) Run(ctx context.Context) error {
	today := j.policy.Today(j.clock)
	stats := &ReconcileStats{
		StartedAt: j.clock.Now(),
		Day:       today.String(),
	}

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	j.logger.Info("starting reconciliation sweep", "day", stats.Day)

	var runErr error
	for {
		ids, err := j.lister.ListStale(ctx, today, j.config.BatchSize)
		if err != nil {
			runErr = fmt.Errorf("list stale profiles: %w", err)
			break
		}
		if len(ids) == 0 {
			break
		}
		stats.Rounds++

		reset, err := j.reconcileBatch(ctx, today, ids, stats)
		if err != nil {
			runErr = err
			break
		}
		// A round that resets nothing would list the same identities again.
		if j.config.BatchSize <= 0 || len(ids) < j.config.BatchSize || reset == 0 {
			break
		}
	}

	stats.CompletedAt = j.clock.Now()
	stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
	j.lastRunStats.Store(stats)

	j.logger.Info("reconciliation sweep completed",
		"day", stats.Day,
		"rounds", stats.Rounds,
		"checked", stats.Checked,
		"reset", stats.Reset,
		"streaks_lost", stats.StreaksLost,
		"raced", stats.Raced,
		"failed", stats.Failed,
	)

	if runErr != nil {
		return runErr
	}
	if stats.Checked > 0 && stats.Failed*2 > stats.Checked {
		return fmt.Errorf("reconciliation failed for more than 50%% of profiles (%d/%d)",
			stats.Failed, stats.Checked)
	}
	return nil
}

// reconcileBatch reconciles ids concurrently and returns how many were reset.
// Per-profile failures are counted, not returned.
func (j *ReconcileProfilesJob) reconcileBatch(ctx context.Context, today timeutil.DayKey, ids []profile.Identity, stats *ReconcileStats) (int, error) {
	var (
		mu    sync.Mutex
		reset int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.config.Concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			outcome, err := j.reconcileOne(gctx, today, id)

			mu.Lock()
			defer mu.Unlock()
			stats.Checked++
			switch {
			case err != nil:
				stats.Failed++
				j.logger.Warn("failed to reconcile profile", "identity", id, "error", err)
			case outcome == outcomeReset:
				stats.Reset++
				reset++
			case outcome == outcomeStreakLost:
				stats.Reset++
				stats.StreaksLost++
				reset++
			case outcome == outcomeRaced:
				stats.Raced++
			default:
				stats.Skipped++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return reset, fmt.Errorf("reconciliation interrupted: %w", err)
	}
	return reset, nil
}

type reconcileOutcome int

const (
	outcomeSkipped reconcileOutcome = iota
	outcomeReset
	outcomeStreakLost
	outcomeRaced
)

func (j *ReconcileProfilesJob) reconcileOne(ctx context.Context, today timeutil.DayKey, id profile.Identity) (reconcileOutcome, error) {
	rec, err := j.reader.Get(ctx, id)
	if err != nil {
		return outcomeSkipped, err
	}
	if rec == nil {
		return outcomeSkipped, nil
	}

	_, patch := profile.Reconcile(*rec, today)
	if patch.IsEmpty() {
		return outcomeSkipped, nil
	}

	applied, err := j.updater.UpdateIfUnchanged(ctx, id, rec.LastStudyDate, patch)
	if err != nil {
		return outcomeSkipped, err
	}
	if !applied {
		return outcomeRaced, nil
	}

	streakReset := patch.Streak != nil && *patch.Streak == 0
	j.emit(shared.NewDailyResetEvent(id.String(), today.String(), streakReset, "sweep"))
	if !streakReset {
		return outcomeReset, nil
	}
	j.emit(shared.NewDailyStreakBrokenEvent(id.String(), rec.Streak, rec.LastStudyDate.String()))
	return outcomeStreakLost, nil
}

func (j *ReconcileProfilesJob) emit(event shared.Event) {
	if err := j.publisher.Publish(event); err != nil {
		j.logger.Warn("failed to publish event",
			"event_type", event.EventType(),
			"identity", event.AggregateID(),
			"error", err,
		)
	}
}
