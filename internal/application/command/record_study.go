package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD STUDY COMMAND
// One card studied in one subject. Streak, last study date and the daily
// counters all move through a single partial update.
// ══════════════════════════════════════════════════════════════════════════════

const maxStudyAttempts = 3

var errStudyContended = errors.New("last study date kept changing")

// RecordStudyCommand contains the data to record a study event.
type RecordStudyCommand struct {
	// Subject is the raw subject key from the UI ("anatomy", "bio", ...).
	Subject string

	// CorrelationID for tracing.
	CorrelationID string
}

// RecordStudyResult contains the outcome of a recorded study event.
type RecordStudyResult struct {
	Identity profile.Identity
	Subject  profile.Subject
	Day      timeutil.DayKey

	// Record is the projected record after the write. The displayed state
	// still comes from the store notification that follows.
	Record profile.Record

	StreakUpdated  bool
	StreakBroken   bool
	PreviousStreak int
	GoalReached    bool

	Events []shared.Event
}

// RecordStudyHandler handles RecordStudyCommand.
type RecordStudyHandler struct {
	sessions  SessionSource
	store     profile.Store
	publisher shared.EventPublisher
	config    Config
	logger    *slog.Logger
}

// NewRecordStudyHandler creates a new RecordStudyHandler.
func NewRecordStudyHandler(sessions SessionSource, store profile.Store, publisher shared.EventPublisher, config Config) *RecordStudyHandler {
	config = config.withDefaults()
	return &RecordStudyHandler{
		sessions:  sessions,
		store:     store,
		publisher: publisher,
		config:    config,
		logger:    config.Logger.With("command", "record_study"),
	}
}

// Handle executes the record study command.
func (h *RecordStudyHandler) Handle(ctx context.Context, cmd RecordStudyCommand) (*RecordStudyResult, error) {
	subject, err := profile.ParseSubject(cmd.Subject)
	if err != nil {
		return nil, fmt.Errorf("record_study: %w", err)
	}

	id, current, err := h.sessions.Current().Profile()
	if err != nil {
		return nil, fmt.Errorf("record_study: %w", err)
	}

	today := h.config.Policy.Today(h.config.Clock)

	// The session normally hands out a reconciled record, but the day may have
	// turned since the last notification.
	var (
		reconciled, updated profile.Record
		studyPatch, patch   profile.Patch
	)
	for attempt := 1; ; attempt++ {
		var dayPatch profile.Patch
		reconciled, dayPatch = profile.Reconcile(current, today)
		updated, studyPatch = profile.ApplyStudyEvent(reconciled, today, subject)
		patch = dayPatch.Merge(studyPatch)

		applied, err := h.write(ctx, id, current.LastStudyDate, patch)
		if err != nil {
			return nil, writeFailed(h.logger, h.publisher, id, "record_study", err)
		}
		if applied {
			break
		}
		if attempt == maxStudyAttempts {
			return nil, writeFailed(h.logger, h.publisher, id, "record_study", errStudyContended)
		}

		// Another device moved the day first. Its counters must be added to,
		// not reset, so decide again from the stored record.
		h.logger.Info("study write lost a race, re-reading", "identity", id, "attempt", attempt)
		fresh, err := h.read(ctx, id)
		if err != nil {
			return nil, writeFailed(h.logger, h.publisher, id, "record_study", err)
		}
		current = fresh.Normalize(h.config.DefaultGoal)
	}
	before := profile.StreakStateOf(current, today)

	result := &RecordStudyResult{
		Identity:       id,
		Subject:        subject,
		Day:            today,
		Record:         updated,
		StreakUpdated:  studyPatch.Streak != nil,
		StreakBroken:   before == profile.Lapsed && current.Streak > 0,
		PreviousStreak: current.Streak,
		GoalReached:    updated.GoalFor(subject) > 0 && updated.ProgressFor(subject) == updated.GoalFor(subject),
	}

	studied := shared.NewStudyRecordedEvent(id.String(), subject.String(), today.String(),
		updated.ProgressFor(subject), updated.GoalFor(subject), updated.TotalCardsRead)
	studied.BaseEvent = studied.BaseEvent.WithCorrelationID(cmd.CorrelationID)
	result.Events = append(result.Events, studied)

	if result.StreakBroken {
		result.Events = append(result.Events,
			shared.NewDailyStreakBrokenEvent(id.String(), current.Streak, current.LastStudyDate.String()))
	}
	if result.StreakUpdated {
		oldStreak := reconciled.Streak
		if before == profile.NoHistory {
			oldStreak = 0
		}
		result.Events = append(result.Events,
			shared.NewDailyStreakUpdatedEvent(id.String(), oldStreak, updated.Streak, today.String()))
	}

	h.logger.Info("study recorded",
		"identity", id,
		"subject", subject,
		"day", today.String(),
		"streak", updated.Streak,
		"fields", patch.Fields(),
	)
	publishAll(h.logger, h.publisher, result.Events...)

	return result, nil
}

// write sends a patch that moves the last study date only while the stored date
// is still the one it was computed from. Patches made of increments apply as is.
func (h *RecordStudyHandler) write(ctx context.Context, id profile.Identity, observed timeutil.DayKey, patch profile.Patch) (bool, error) {
	if guarded, ok := h.store.(profile.GuardedUpdater); ok && patch.LastStudyDate != nil {
		return guarded.UpdateIfUnchanged(ctx, id, observed, patch)
	}
	return true, h.store.Update(ctx, id, patch)
}

func (h *RecordStudyHandler) read(ctx context.Context, id profile.Identity) (profile.Record, error) {
	reader, ok := h.store.(profile.Reader)
	if !ok {
		return profile.Record{}, fmt.Errorf("store %T cannot be read", h.store)
	}
	rec, err := reader.Get(ctx, id)
	if err != nil {
		return profile.Record{}, err
	}
	if rec == nil {
		return profile.Record{}, shared.ErrProfileNotFound
	}
	return *rec, nil
}
