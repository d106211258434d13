package shared

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each event represents something significant that happened to a profile.
const (
	// Profile events
	EventProfileCreated EventType = "profile.created"
	EventGoalsUpdated   EventType = "profile.goals_updated"
	EventWriteFailed    EventType = "profile.write_failed"

	// Progress events
	EventStudyRecorded      EventType = "progress.study_recorded"
	EventDailyStreakUpdated EventType = "progress.streak_updated"
	EventDailyStreakBroken  EventType = "progress.streak_broken"
	EventDailyReset         EventType = "progress.daily_reset"

	// Session events
	EventSessionChanged EventType = "session.changed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the identity of the profile that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Profile Events
// ═══════════════════════════════════════════════════════════════════════════

// ProfileCreatedEvent is emitted when a profile record is provisioned at first sign-in.
type ProfileCreatedEvent struct {
	BaseEvent
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
}

// Payload implements Event interface.
func (e ProfileCreatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"display_name": e.DisplayName,
		"avatar_ref":   e.AvatarRef,
	}
}

// NewProfileCreatedEvent creates a new ProfileCreatedEvent.
func NewProfileCreatedEvent(identity, displayName, avatarRef string) ProfileCreatedEvent {
	return ProfileCreatedEvent{
		BaseEvent:   NewBaseEvent(EventProfileCreated, identity),
		DisplayName: displayName,
		AvatarRef:   avatarRef,
	}
}

// GoalsUpdatedEvent is emitted when the daily goals are overwritten.
type GoalsUpdatedEvent struct {
	BaseEvent
	Goals map[string]int `json:"goals"`
}

// Payload implements Event interface.
func (e GoalsUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"goals": e.Goals,
	}
}

// NewGoalsUpdatedEvent creates a new GoalsUpdatedEvent.
func NewGoalsUpdatedEvent(identity string, goals map[string]int) GoalsUpdatedEvent {
	return GoalsUpdatedEvent{
		BaseEvent: NewBaseEvent(EventGoalsUpdated, identity),
		Goals:     goals,
	}
}

// WriteFailedEvent is the user-visible, non-fatal notice for a failed remote write.
type WriteFailedEvent struct {
	BaseEvent
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
}

// Payload implements Event interface.
func (e WriteFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"operation": e.Operation,
		"reason":    e.Reason,
	}
}

// NewWriteFailedEvent creates a new WriteFailedEvent.
func NewWriteFailedEvent(identity, operation string, err error) WriteFailedEvent {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return WriteFailedEvent{
		BaseEvent: NewBaseEvent(EventWriteFailed, identity),
		Operation: operation,
		Reason:    reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// StudyRecordedEvent is emitted after a study event has been written.
type StudyRecordedEvent struct {
	BaseEvent
	Subject        string `json:"subject"`
	Day            string `json:"day"`
	SubjectCount   int    `json:"subject_count"`
	SubjectGoal    int    `json:"subject_goal"`
	TotalCardsRead int    `json:"total_cards_read"`
}

// Payload implements Event interface.
func (e StudyRecordedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"subject":          e.Subject,
		"day":              e.Day,
		"subject_count":    e.SubjectCount,
		"subject_goal":     e.SubjectGoal,
		"total_cards_read": e.TotalCardsRead,
	}
}

// GoalReached reports whether this event brought the subject to its goal.
func (e StudyRecordedEvent) GoalReached() bool {
	return e.SubjectGoal > 0 && e.SubjectCount == e.SubjectGoal
}

// NewStudyRecordedEvent creates a new StudyRecordedEvent.
func NewStudyRecordedEvent(identity, subject, day string, count, goal, total int) StudyRecordedEvent {
	return StudyRecordedEvent{
		BaseEvent:      NewBaseEvent(EventStudyRecorded, identity),
		Subject:        subject,
		Day:            day,
		SubjectCount:   count,
		SubjectGoal:    goal,
		TotalCardsRead: total,
	}
}

// DailyStreakUpdatedEvent is emitted when the streak moves on a new study day.
type DailyStreakUpdatedEvent struct {
	BaseEvent
	OldStreak int    `json:"old_streak"`
	NewStreak int    `json:"new_streak"`
	Day       string `json:"day"`
}

// Payload implements Event interface.
func (e DailyStreakUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"old_streak": e.OldStreak,
		"new_streak": e.NewStreak,
		"day":        e.Day,
	}
}

// NewDailyStreakUpdatedEvent creates a new DailyStreakUpdatedEvent.
func NewDailyStreakUpdatedEvent(identity string, oldStreak, newStreak int, day string) DailyStreakUpdatedEvent {
	return DailyStreakUpdatedEvent{
		BaseEvent: NewBaseEvent(EventDailyStreakUpdated, identity),
		OldStreak: oldStreak,
		NewStreak: newStreak,
		Day:       day,
	}
}

// DailyStreakBrokenEvent is emitted when a lapse resets the streak to zero.
type DailyStreakBrokenEvent struct {
	BaseEvent
	PreviousStreak int    `json:"previous_streak"`
	LastStudyDate  string `json:"last_study_date"`
}

// Payload implements Event interface.
func (e DailyStreakBrokenEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"previous_streak": e.PreviousStreak,
		"last_study_date": e.LastStudyDate,
	}
}

// NewDailyStreakBrokenEvent creates a new DailyStreakBrokenEvent.
func NewDailyStreakBrokenEvent(identity string, previous int, lastStudyDate string) DailyStreakBrokenEvent {
	return DailyStreakBrokenEvent{
		BaseEvent:      NewBaseEvent(EventDailyStreakBroken, identity),
		PreviousStreak: previous,
		LastStudyDate:  lastStudyDate,
	}
}

// DailyResetEvent is emitted when the day-scoped counters of a profile were reset.
type DailyResetEvent struct {
	BaseEvent
	Day         string `json:"day"`
	StreakReset bool   `json:"streak_reset"`
	TriggeredBy string `json:"triggered_by"` // "session" or "sweep"
}

// Payload implements Event interface.
func (e DailyResetEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"day":          e.Day,
		"streak_reset": e.StreakReset,
		"triggered_by": e.TriggeredBy,
	}
}

// NewDailyResetEvent creates a new DailyResetEvent.
func NewDailyResetEvent(identity, day string, streakReset bool, triggeredBy string) DailyResetEvent {
	return DailyResetEvent{
		BaseEvent:   NewBaseEvent(EventDailyReset, identity),
		Day:         day,
		StreakReset: streakReset,
		TriggeredBy: triggeredBy,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Session Events
// ═══════════════════════════════════════════════════════════════════════════

// SessionChangedEvent is emitted on every session state transition.
type SessionChangedEvent struct {
	BaseEvent
	Status string `json:"status"`
}

// Payload implements Event interface.
func (e SessionChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"status": e.Status,
	}
}

// NewSessionChangedEvent creates a new SessionChangedEvent.
func NewSessionChangedEvent(identity, status string) SessionChangedEvent {
	return SessionChangedEvent{
		BaseEvent: NewBaseEvent(EventSessionChanged, identity),
		Status:    status,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Infrastructure
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher drops every event. Used when no bus is configured.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(Event) error { return nil }
