package command

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
)

// SetGoalsCommand overwrites the daily goals of the signed-in profile.
// Every subject must be present with a positive target.
type SetGoalsCommand struct {
	Goals map[string]int
}

// SetGoalsResult contains the goals that were written.
type SetGoalsResult struct {
	Identity profile.Identity
	Goals    profile.Goals
}

// SetGoalsHandler handles SetGoalsCommand.
type SetGoalsHandler struct {
	sessions  SessionSource
	store     profile.Store
	publisher shared.EventPublisher
	logger    *slog.Logger
}

// NewSetGoalsHandler creates a new SetGoalsHandler.
func NewSetGoalsHandler(sessions SessionSource, store profile.Store, publisher shared.EventPublisher, config Config) *SetGoalsHandler {
	config = config.withDefaults()
	return &SetGoalsHandler{
		sessions:  sessions,
		store:     store,
		publisher: publisher,
		logger:    config.Logger.With("command", "set_goals"),
	}
}

// Handle executes the set goals command.
func (h *SetGoalsHandler) Handle(ctx context.Context, cmd SetGoalsCommand) (*SetGoalsResult, error) {
	goals := make(profile.Goals, len(cmd.Goals))
	for raw, target := range cmd.Goals {
		subject, err := profile.ParseSubject(raw)
		if err != nil {
			return nil, fmt.Errorf("set_goals: %w", err)
		}
		goals[subject] = target
	}
	if err := goals.Validate(); err != nil {
		return nil, fmt.Errorf("set_goals: %w", err)
	}

	id, _, err := h.sessions.Current().Profile()
	if err != nil {
		return nil, fmt.Errorf("set_goals: %w", err)
	}

	if err := h.store.Update(ctx, id, profile.Patch{DailyGoals: goals}); err != nil {
		return nil, writeFailed(h.logger, h.publisher, id, "set_goals", err)
	}

	payload := make(map[string]int, len(goals))
	for s, v := range goals {
		payload[s.String()] = v
	}
	h.logger.Info("goals updated", "identity", id, "goals", payload)
	publishAll(h.logger, h.publisher, shared.NewGoalsUpdatedEvent(id.String(), payload))

	return &SetGoalsResult{Identity: id, Goals: goals}, nil
}
