// Package command contains write operations (CQRS - Commands).
package command

import (
	"log/slog"

	"github.com/pulsecard/studysync/internal/application/session"
	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

// SessionSource exposes the latest session state. *session.Manager implements it.
type SessionSource interface {
	Current() session.State
}

// Config holds the settings shared by all command handlers.
type Config struct {
	Policy timeutil.Policy
	Clock  timeutil.Clock
	Logger *slog.Logger

	// DefaultGoal is the per-subject goal given to new profiles.
	DefaultGoal int
}

// DefaultConfig returns the default handler configuration.
func DefaultConfig() Config {
	return Config{
		Policy:      timeutil.UTCPolicy(),
		Clock:       timeutil.SystemClock{},
		Logger:      slog.Default(),
		DefaultGoal: profile.DefaultDailyGoal,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Policy.Location == nil {
		c.Policy = d.Policy
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.DefaultGoal <= 0 {
		c.DefaultGoal = d.DefaultGoal
	}
	return c
}

// writeFailed turns a store error into a WriteFailure, logs it and publishes the
// user-visible notice. The caller's cached state is left as it was.
func writeFailed(logger *slog.Logger, publisher shared.EventPublisher, id profile.Identity, op string, err error) error {
	failure := shared.NewWriteFailure(op, err)
	logger.Warn("remote write failed", "op", op, "identity", id, "error", err)
	publishAll(logger, publisher, shared.NewWriteFailedEvent(id.String(), op, err))
	return failure
}

func publishAll(logger *slog.Logger, publisher shared.EventPublisher, events ...shared.Event) {
	if publisher == nil {
		return
	}
	for _, event := range events {
		if err := publisher.Publish(event); err != nil {
			logger.Warn("failed to publish event", "type", event.EventType(), "error", err)
		}
	}
}
