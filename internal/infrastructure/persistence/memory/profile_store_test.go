package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

type recorder struct {
	mu   sync.Mutex
	seen []*profile.Record
}

func (r *recorder) listen(rec *profile.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, rec)
}

func (r *recorder) snapshot() []*profile.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*profile.Record, len(r.seen))
	copy(out, r.seen)
	return out
}

func newRecord(t *testing.T) profile.Record {
	t.Helper()
	rec, err := profile.NewRecord("Dana", profile.Avatars()[0], nil, time.Now())
	require.NoError(t, err)
	return rec
}

func TestProfileStore_SubscribeDeliversAbsentThenRecord(t *testing.T) {
	ctx := context.Background()
	store := NewProfileStore(nil)
	r := &recorder{}

	sub, err := store.Subscribe(ctx, "u1", r.listen)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, store.Create(ctx, "u1", newRecord(t)))

	require.Eventually(t, func() bool { return len(r.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	seen := r.snapshot()
	assert.Nil(t, seen[0])
	require.NotNil(t, seen[1])
	assert.Equal(t, "Dana", seen[1].DisplayName)
}

func TestProfileStore_UpdateAndIncrement(t *testing.T) {
	ctx := context.Background()
	store := NewProfileStore(nil)
	require.NoError(t, store.Create(ctx, "u1", newRecord(t)))

	var p profile.Patch
	p.SetStreak(3)
	p.Increment(profile.ProgressField(profile.SubjectAnatomy), 2)
	require.NoError(t, store.Update(ctx, "u1", p))
	require.NoError(t, store.IncrementField(ctx, "u1", profile.FieldTotalCardsRead, 5))

	rec, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Streak)
	assert.Equal(t, 2, rec.DailyProgress[profile.SubjectAnatomy])
	assert.Equal(t, 5, rec.TotalCardsRead)
	assert.Equal(t, 3, store.Writes())
}

func TestProfileStore_Errors(t *testing.T) {
	ctx := context.Background()
	store := NewProfileStore(nil)

	assert.ErrorIs(t, store.Update(ctx, "missing", profile.Patch{}), shared.ErrProfileNotFound)
	assert.ErrorIs(t, store.IncrementField(ctx, "u1", "streak", 1), shared.ErrInvalidPatchField)

	require.NoError(t, store.Create(ctx, "u1", newRecord(t)))
	assert.ErrorIs(t, store.Create(ctx, "u1", newRecord(t)), shared.ErrProfileExists)

	boom := errors.New("network down")
	store.FailWrites(boom)
	assert.ErrorIs(t, store.IncrementField(ctx, "u1", profile.FieldTotalCardsRead, 1), boom)
}

func TestProfileStore_UnsubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewProfileStore(nil)
	r := &recorder{}

	sub, err := store.Subscribe(ctx, "u1", r.listen)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Subscribers("u1"))

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, store.Subscribers("u1"))
}

func TestProfileStore_ListStale(t *testing.T) {
	ctx := context.Background()
	store := NewProfileStore(nil)
	today := timeutil.MustParseDayKey("2025-03-10")

	fresh := newRecord(t)
	require.NoError(t, store.Create(ctx, "fresh", fresh))

	studiedToday := newRecord(t)
	studiedToday.LastStudyDate = today
	studiedToday.DailyProgress[profile.SubjectAnatomy] = 3
	require.NoError(t, store.Create(ctx, "today", studiedToday))

	lapsed := newRecord(t)
	lapsed.LastStudyDate = today.AddDays(-4)
	lapsed.Streak = 2
	require.NoError(t, store.Create(ctx, "lapsed", lapsed))

	ids, err := store.ListStale(ctx, today, 0)
	require.NoError(t, err)
	assert.Equal(t, []profile.Identity{"lapsed"}, ids)
}

func TestProfileStore_UpdateIfUnchanged(t *testing.T) {
	ctx := context.Background()
	store := NewProfileStore(nil)
	yesterday := timeutil.MustParseDayKey("2025-03-09")

	rec := newRecord(t)
	rec.LastStudyDate = yesterday
	rec.DailyProgress[profile.SubjectAnatomy] = 4
	require.NoError(t, store.Create(ctx, "u1", rec))

	var reset profile.Patch
	reset.SetProgress(profile.SubjectAnatomy, 0)

	// A study event moved the date on; the guarded reset must not land.
	var study profile.Patch
	study.SetLastStudyDate(yesterday.Next())
	require.NoError(t, store.Update(ctx, "u1", study))

	applied, err := store.UpdateIfUnchanged(ctx, "u1", yesterday, reset)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.ProgressFor(profile.SubjectAnatomy))

	applied, err = store.UpdateIfUnchanged(ctx, "u1", yesterday.Next(), reset)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.UpdateIfUnchanged(ctx, "missing", yesterday, reset)
	require.NoError(t, err)
	assert.False(t, applied)
}
