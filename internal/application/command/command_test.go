package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsecard/studysync/internal/application/session"
	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/internal/infrastructure/persistence/memory"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

type staticSession struct {
	state session.State
}

func (s staticSession) Current() session.State { return s.state }

type capturePublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *capturePublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) types() []shared.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]shared.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

type harness struct {
	store     *memory.ProfileStore
	publisher *capturePublisher
	config    Config
	today     timeutil.DayKey
}

func newHarness() *harness {
	return &harness{
		store:     memory.NewProfileStore(nil),
		publisher: &capturePublisher{},
		config: Config{
			Policy: timeutil.UTCPolicy(),
			Clock:  timeutil.NewFixedClock(time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)),
		},
		today: timeutil.MustParseDayKey("2025-03-10"),
	}
}

// seed stores a record and returns the Ready session that observed it.
func (h *harness) seed(t *testing.T, id profile.Identity, mutate func(*profile.Record)) staticSession {
	t.Helper()
	rec, err := profile.NewRecord("Madi", profile.Avatars()[0], nil, h.config.Clock.Now())
	require.NoError(t, err)
	if mutate != nil {
		mutate(&rec)
	}
	require.NoError(t, h.store.Create(context.Background(), id, rec))
	return staticSession{state: session.Ready(id, rec)}
}

func (h *harness) stored(t *testing.T, id profile.Identity) profile.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return *rec
}

func TestRecordStudy_FreshProfile(t *testing.T) {
	h := newHarness()
	sessions := h.seed(t, "u1", nil)
	handler := NewRecordStudyHandler(sessions, h.store, h.publisher, h.config)

	result, err := handler.Handle(context.Background(), RecordStudyCommand{Subject: "Anatomy"})
	require.NoError(t, err)

	stored := h.stored(t, "u1")
	assert.Equal(t, 1, stored.Streak)
	assert.Equal(t, h.today, stored.LastStudyDate)
	assert.Equal(t, 1, stored.TotalCardsRead)
	assert.Equal(t, 1, stored.DailyProgress[profile.SubjectAnatomy])

	assert.Equal(t, stored, result.Record)
	assert.True(t, result.StreakUpdated)
	assert.False(t, result.StreakBroken)
	assert.Equal(t, []shared.EventType{shared.EventStudyRecorded, shared.EventDailyStreakUpdated}, h.publisher.types())
}

func TestRecordStudy_YesterdayContinuesStreak(t *testing.T) {
	h := newHarness()
	sessions := h.seed(t, "u1", func(r *profile.Record) {
		r.Streak = 5
		r.LastStudyDate = h.today.Previous()
		r.TotalCardsRead = 40
	})
	handler := NewRecordStudyHandler(sessions, h.store, h.publisher, h.config)

	_, err := handler.Handle(context.Background(), RecordStudyCommand{Subject: "physiology"})
	require.NoError(t, err)

	stored := h.stored(t, "u1")
	assert.Equal(t, 6, stored.Streak)
	assert.Equal(t, 41, stored.TotalCardsRead)
}

func TestRecordStudy_StaleSessionRecordAcrossLapse(t *testing.T) {
	h := newHarness()
	sessions := h.seed(t, "u1", func(r *profile.Record) {
		r.Streak = 9
		r.LastStudyDate = h.today.AddDays(-3)
		r.DailyProgress[profile.SubjectAnatomy] = 4
		r.DailyProgress[profile.SubjectBiochemistry] = 2
	})
	handler := NewRecordStudyHandler(sessions, h.store, h.publisher, h.config)

	result, err := handler.Handle(context.Background(), RecordStudyCommand{Subject: "bio"})
	require.NoError(t, err)

	stored := h.stored(t, "u1")
	assert.Equal(t, 1, stored.Streak)
	assert.Equal(t, profile.Progress{
		profile.SubjectAnatomy:      0,
		profile.SubjectPhysiology:   0,
		profile.SubjectBiochemistry: 1,
	}, stored.DailyProgress)
	assert.True(t, result.StreakBroken)
	assert.Equal(t, 9, result.PreviousStreak)
	assert.Contains(t, h.publisher.types(), shared.EventDailyStreakBroken)
	assert.Equal(t, 2, h.store.Writes(), "day reset and study event share one write")
}

func TestRecordStudy_SameDayOnlyCounts(t *testing.T) {
	h := newHarness()
	sessions := h.seed(t, "u1", func(r *profile.Record) {
		r.Streak = 3
		r.LastStudyDate = h.today
		r.DailyProgress[profile.SubjectAnatomy] = 9
		r.TotalCardsRead = 30
	})
	handler := NewRecordStudyHandler(sessions, h.store, h.publisher, h.config)

	result, err := handler.Handle(context.Background(), RecordStudyCommand{Subject: "anatomy"})
	require.NoError(t, err)

	stored := h.stored(t, "u1")
	assert.Equal(t, 3, stored.Streak)
	assert.Equal(t, 10, stored.DailyProgress[profile.SubjectAnatomy])
	assert.Equal(t, 31, stored.TotalCardsRead)
	assert.False(t, result.StreakUpdated)
	assert.True(t, result.GoalReached)
}

func TestRecordStudy_OtherDeviceStartedTheDay(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	sessions := h.seed(t, "u1", func(r *profile.Record) {
		r.Streak = 2
		r.LastStudyDate = h.today.Previous()
		r.DailyProgress[profile.SubjectAnatomy] = 6
		r.TotalCardsRead = 1
	})

	// Another device records the first card of the day; this session has not
	// seen the notification yet.
	stored := h.stored(t, "u1")
	reconciled, dayPatch := profile.Reconcile(stored, h.today)
	_, studyPatch := profile.ApplyStudyEvent(reconciled, h.today, profile.SubjectAnatomy)
	require.NoError(t, h.store.Update(ctx, "u1", dayPatch.Merge(studyPatch)))

	handler := NewRecordStudyHandler(sessions, h.store, h.publisher, h.config)
	result, err := handler.Handle(ctx, RecordStudyCommand{Subject: "anatomy"})
	require.NoError(t, err)

	stored = h.stored(t, "u1")
	assert.Equal(t, 2, stored.DailyProgress[profile.SubjectAnatomy])
	assert.Equal(t, 3, stored.TotalCardsRead)
	assert.Equal(t, 3, stored.Streak)
	assert.Equal(t, h.today, stored.LastStudyDate)

	assert.Equal(t, stored, result.Record)
	assert.False(t, result.StreakUpdated)
	assert.False(t, result.StreakBroken)
	assert.Equal(t, 3, h.store.Writes())
}

func TestRecordStudy_Preconditions(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	unauthenticated := NewRecordStudyHandler(staticSession{state: session.Unauthenticated()}, h.store, h.publisher, h.config)
	_, err := unauthenticated.Handle(ctx, RecordStudyCommand{Subject: "anatomy"})
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)

	provisional := NewRecordStudyHandler(staticSession{state: session.Provisional("u1")}, h.store, h.publisher, h.config)
	_, err = provisional.Handle(ctx, RecordStudyCommand{Subject: "anatomy"})
	assert.ErrorIs(t, err, shared.ErrProfileNotReady)

	sessions := h.seed(t, "u1", nil)
	ready := NewRecordStudyHandler(sessions, h.store, h.publisher, h.config)
	_, err = ready.Handle(ctx, RecordStudyCommand{Subject: "chemistry"})
	assert.ErrorIs(t, err, shared.ErrInvalidSubject)

	assert.Equal(t, 1, h.store.Writes())
	assert.Empty(t, h.publisher.types())
}

func TestRecordStudy_WriteFailure(t *testing.T) {
	h := newHarness()
	sessions := h.seed(t, "u1", nil)
	handler := NewRecordStudyHandler(sessions, h.store, h.publisher, h.config)
	h.store.FailWrites(errors.New("unavailable"))

	_, err := handler.Handle(context.Background(), RecordStudyCommand{Subject: "anatomy"})

	require.Error(t, err)
	assert.True(t, shared.IsWriteFailure(err))
	assert.Equal(t, []shared.EventType{shared.EventWriteFailed}, h.publisher.types())

	h.store.FailWrites(nil)
	stored := h.stored(t, "u1")
	assert.Equal(t, 0, stored.TotalCardsRead)
	assert.Equal(t, 0, sessions.state.Record.TotalCardsRead)
}

func TestSetGoals(t *testing.T) {
	h := newHarness()
	sessions := h.seed(t, "u1", nil)
	handler := NewSetGoalsHandler(sessions, h.store, h.publisher, h.config)
	ctx := context.Background()

	_, err := handler.Handle(ctx, SetGoalsCommand{Goals: map[string]int{"anatomy": 5, "physiology": 0, "biochemistry": 3}})
	assert.ErrorIs(t, err, shared.ErrInvalidGoals)

	_, err = handler.Handle(ctx, SetGoalsCommand{Goals: map[string]int{"anatomy": 5}})
	assert.ErrorIs(t, err, shared.ErrInvalidGoals)

	result, err := handler.Handle(ctx, SetGoalsCommand{Goals: map[string]int{"a": 5, "Physiology": 12, "bio": 3}})
	require.NoError(t, err)

	want := profile.Goals{profile.SubjectAnatomy: 5, profile.SubjectPhysiology: 12, profile.SubjectBiochemistry: 3}
	assert.Equal(t, want, result.Goals)
	assert.Equal(t, want, h.stored(t, "u1").DailyGoals)
	assert.Equal(t, []shared.EventType{shared.EventGoalsUpdated}, h.publisher.types())
}

func TestCreateProfile(t *testing.T) {
	h := newHarness()
	h.config.DefaultGoal = 15
	handler := NewCreateProfileHandler(h.store, h.publisher, h.config)
	ctx := context.Background()

	result, err := handler.Handle(ctx, CreateProfileCommand{Identity: "u1", DisplayName: "  Nurlan "})
	require.NoError(t, err)
	assert.Equal(t, "Nurlan", result.Record.DisplayName)
	assert.Equal(t, profile.Avatars()[0], result.Record.AvatarRef)
	assert.Equal(t, profile.UniformGoals(15), h.stored(t, "u1").DailyGoals)
	assert.True(t, h.stored(t, "u1").LastStudyDate.IsZero())

	_, err = handler.Handle(ctx, CreateProfileCommand{Identity: "u1", DisplayName: "Again"})
	assert.ErrorIs(t, err, shared.ErrProfileExists)
	assert.False(t, shared.IsWriteFailure(err))

	_, err = handler.Handle(ctx, CreateProfileCommand{Identity: "u2", DisplayName: ""})
	assert.ErrorIs(t, err, shared.ErrInvalidName)

	_, err = handler.Handle(ctx, CreateProfileCommand{DisplayName: "Nobody"})
	assert.ErrorIs(t, err, shared.ErrInvalidIdentity)

	assert.Equal(t, []shared.EventType{shared.EventProfileCreated}, h.publisher.types())
}
