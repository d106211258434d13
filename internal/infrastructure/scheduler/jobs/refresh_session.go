package jobs

import (
	"context"
	"log/slog"
)

// Refresher re-runs reconciliation on the latest snapshot. *session.Manager implements it.
type Refresher interface {
	Refresh()
}

// RefreshSessionJob wakes a live session at the day boundary so that a client
// left open over midnight resets without waiting for a store notification.
type RefreshSessionJob struct {
	session Refresher
	logger  *slog.Logger
}

// NewRefreshSessionJob creates the job.
func NewRefreshSessionJob(session Refresher, logger *slog.Logger) *RefreshSessionJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshSessionJob{session: session, logger: logger.With("job", "refresh_session")}
}

// Name returns the job name.
func (j *RefreshSessionJob) Name() string { return "refresh_session" }

// Description returns a human-readable description.
func (j *RefreshSessionJob) Description() string {
	return "Reconciles the bound profile when the calendar day changes"
}

// Run executes the job.
func (j *RefreshSessionJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.session.Refresh()
	j.logger.Debug("session refreshed")
	return nil
}
