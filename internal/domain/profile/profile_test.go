package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

func day(s string) timeutil.DayKey {
	return timeutil.MustParseDayKey(s)
}

func freshRecord(t *testing.T) Record {
	t.Helper()
	rec, err := NewRecord("Aigerim", Avatars()[0], nil, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return rec
}

func TestParseSubject(t *testing.T) {
	tests := []struct {
		in      string
		want    Subject
		wantErr bool
	}{
		{"anatomy", SubjectAnatomy, false},
		{"  Physiology ", SubjectPhysiology, false},
		{"bio", SubjectBiochemistry, false},
		{"", "", true},
		{"chemistry", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSubject(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, shared.ErrInvalidSubject)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNewRecord(t *testing.T) {
	rec := freshRecord(t)

	assert.Equal(t, "Aigerim", rec.DisplayName)
	assert.Equal(t, 0, rec.Streak)
	assert.True(t, rec.LastStudyDate.IsZero())
	assert.Equal(t, 0, rec.TotalCardsRead)
	assert.Equal(t, UniformGoals(DefaultDailyGoal), rec.DailyGoals)
	assert.Equal(t, ZeroProgress(), rec.DailyProgress)

	_, err := NewRecord("   ", Avatars()[0], nil, time.Now())
	assert.ErrorIs(t, err, shared.ErrInvalidName)

	_, err = NewRecord("Dana", "", nil, time.Now())
	assert.ErrorIs(t, err, shared.ErrInvalidAvatar)

	_, err = NewRecord("Dana", Avatars()[1], Goals{SubjectAnatomy: 5}, time.Now())
	assert.ErrorIs(t, err, shared.ErrInvalidGoals)
}

func TestNormalize_RepairsStoredValues(t *testing.T) {
	rec := Record{
		Streak:         -2,
		TotalCardsRead: -1,
		DailyGoals:     Goals{SubjectAnatomy: 0, "chemistry": 4},
		DailyProgress:  Progress{SubjectPhysiology: -3, "chemistry": 2},
	}

	got := rec.Normalize(7)

	assert.Equal(t, 0, got.Streak)
	assert.Equal(t, 0, got.TotalCardsRead)
	assert.Equal(t, UniformGoals(7), got.DailyGoals)
	assert.Equal(t, ZeroProgress(), got.DailyProgress)
}

func TestStreakStateOf(t *testing.T) {
	today := day("2025-03-10")
	tests := []struct {
		last string
		want StreakState
	}{
		{"", NoHistory},
		{"2025-03-10", StudiedToday},
		{"2025-03-11", StudiedToday},
		{"2025-03-09", StudiedYesterday},
		{"2025-03-08", Lapsed},
		{"2024-03-09", Lapsed},
	}

	for _, tc := range tests {
		t.Run(tc.want.String()+"/"+tc.last, func(t *testing.T) {
			rec := Record{LastStudyDate: day(tc.last)}
			assert.Equal(t, tc.want, StreakStateOf(rec, today))
		})
	}
}

func TestPatch_SetsBeforeIncrements(t *testing.T) {
	rec := Record{TotalCardsRead: 4, DailyProgress: Progress{SubjectAnatomy: 9}}

	var p Patch
	p.SetProgress(SubjectAnatomy, 0)
	p.Increment(ProgressField(SubjectAnatomy), 1)
	p.Increment(FieldTotalCardsRead, 1)

	got := p.ApplyTo(rec)
	assert.Equal(t, 1, got.DailyProgress[SubjectAnatomy])
	assert.Equal(t, 5, got.TotalCardsRead)
	assert.Equal(t, 9, rec.DailyProgress[SubjectAnatomy], "input must not be mutated")
}

func TestPatch_MergeMatchesSequentialApply(t *testing.T) {
	rec := Record{Streak: 3, TotalCardsRead: 10, DailyProgress: Progress{SubjectAnatomy: 2, SubjectPhysiology: 1}}

	var first Patch
	first.Increment(ProgressField(SubjectAnatomy), 2)
	first.Increment(FieldTotalCardsRead, 2)
	first.SetStreak(4)

	var second Patch
	second.SetProgress(SubjectAnatomy, 0)
	second.Increment(ProgressField(SubjectAnatomy), 1)
	second.Increment(ProgressField(SubjectPhysiology), 1)
	second.Increment(FieldTotalCardsRead, 1)

	sequential := second.ApplyTo(first.ApplyTo(rec))
	merged := first.Merge(second).ApplyTo(rec)

	assert.Equal(t, sequential, merged)
	assert.Equal(t, 1, merged.DailyProgress[SubjectAnatomy])
	assert.Equal(t, 2, merged.DailyProgress[SubjectPhysiology])
	assert.Equal(t, 13, merged.TotalCardsRead)
	assert.Equal(t, 4, merged.Streak)
}

func TestPatch_IsEmptyAndValidate(t *testing.T) {
	var p Patch
	assert.True(t, p.IsEmpty())

	p.Increment(FieldTotalCardsRead, 1)
	p.Increment(FieldTotalCardsRead, -1)
	assert.True(t, p.IsEmpty())

	p.Increment(FieldPath("streak"), 1)
	assert.ErrorIs(t, p.Validate(), shared.ErrInvalidPatchField)

	var negative Patch
	negative.SetStreak(-1)
	assert.ErrorIs(t, negative.Validate(), shared.ErrValueOutOfRange)

	goals := Patch{DailyGoals: Goals{SubjectAnatomy: 1, SubjectPhysiology: 1, SubjectBiochemistry: 0}}
	assert.ErrorIs(t, goals.Validate(), shared.ErrInvalidGoals)
}

func TestReconcile_NoChangeForNoHistoryOrToday(t *testing.T) {
	today := day("2025-03-10")

	fresh := freshRecord(t)
	got, patch := Reconcile(fresh, today)
	assert.True(t, patch.IsEmpty())
	assert.Equal(t, fresh, got)

	studied := fresh.Clone()
	studied.Streak = 2
	studied.LastStudyDate = today
	studied.DailyProgress[SubjectAnatomy] = 3
	got, patch = Reconcile(studied, today)
	assert.True(t, patch.IsEmpty())
	assert.Equal(t, studied, got)
}

func TestReconcile_YesterdayKeepsStreak(t *testing.T) {
	rec := freshRecord(t)
	rec.Streak = 5
	rec.LastStudyDate = day("2025-03-09")
	rec.DailyProgress[SubjectPhysiology] = 4

	got, patch := Reconcile(rec, day("2025-03-10"))

	assert.Equal(t, 5, got.Streak)
	assert.Nil(t, patch.Streak)
	assert.Equal(t, ZeroProgress(), got.DailyProgress)
	assert.Equal(t, Progress{SubjectPhysiology: 0}, patch.DailyProgress)
	assert.Equal(t, day("2025-03-09"), got.LastStudyDate)
}

func TestReconcile_LapseResetsStreakButKeepsDate(t *testing.T) {
	rec := freshRecord(t)
	rec.Streak = 8
	rec.LastStudyDate = day("2025-03-07")
	rec.DailyProgress[SubjectAnatomy] = 2
	rec.DailyProgress[SubjectBiochemistry] = 6

	got, patch := Reconcile(rec, day("2025-03-10"))

	assert.Equal(t, 0, got.Streak)
	assert.Equal(t, ZeroProgress(), got.DailyProgress)
	assert.Equal(t, day("2025-03-07"), got.LastStudyDate)
	assert.Nil(t, patch.LastStudyDate)
	require.NotNil(t, patch.Streak)
	assert.Equal(t, 0, *patch.Streak)
}

func TestReconcile_Idempotent(t *testing.T) {
	today := day("2025-03-10")
	lasts := []string{"", "2025-03-10", "2025-03-09", "2025-03-01", "2024-12-31"}

	for _, last := range lasts {
		for streak := 0; streak < 3; streak++ {
			rec := freshRecord(t)
			rec.Streak = streak
			rec.LastStudyDate = day(last)
			rec.DailyProgress[SubjectAnatomy] = streak * 2

			once, _ := Reconcile(rec, today)
			twice, patch := Reconcile(once, today)

			assert.Equal(t, once, twice, "last=%q streak=%d", last, streak)
			assert.True(t, patch.IsEmpty(), "last=%q streak=%d", last, streak)
		}
	}
}

func TestApplyStudyEvent_FreshRecord(t *testing.T) {
	d := day("2025-03-10")

	got, patch := ApplyStudyEvent(freshRecord(t), d, SubjectAnatomy)

	assert.Equal(t, 1, got.Streak)
	assert.Equal(t, d, got.LastStudyDate)
	assert.Equal(t, 1, got.TotalCardsRead)
	assert.Equal(t, 1, got.DailyProgress[SubjectAnatomy])
	assert.Equal(t, int64(1), patch.Increments[FieldTotalCardsRead])
	assert.Equal(t, int64(1), patch.Increments[ProgressField(SubjectAnatomy)])
}

func TestApplyStudyEvent_StreakLaw(t *testing.T) {
	d0 := day("2025-03-10")
	base := freshRecord(t)
	base.Streak = 4
	base.LastStudyDate = d0

	sameDay, _ := ApplyStudyEvent(base, d0, SubjectAnatomy)
	assert.Equal(t, 4, sameDay.Streak)
	assert.Equal(t, d0, sameDay.LastStudyDate)

	nextDay, _ := ApplyStudyEvent(base, d0.Next(), SubjectAnatomy)
	assert.Equal(t, 5, nextDay.Streak)
	assert.Equal(t, d0.Next(), nextDay.LastStudyDate)

	for gap := 2; gap <= 40; gap += 7 {
		later, _ := ApplyStudyEvent(base, d0.AddDays(gap), SubjectPhysiology)
		assert.Equal(t, 1, later.Streak, "gap %d", gap)
		assert.Equal(t, d0.AddDays(gap), later.LastStudyDate)
	}
}

func TestApplyStudyEvent_SameDayChangesStreakOnce(t *testing.T) {
	d := day("2025-03-10")
	rec := freshRecord(t)
	rec.Streak = 2
	rec.LastStudyDate = d.Previous()

	rec, first := ApplyStudyEvent(rec, d, SubjectAnatomy)
	require.NotNil(t, first.Streak)

	for i := 0; i < 5; i++ {
		var p Patch
		rec, p = ApplyStudyEvent(rec, d, SubjectBiochemistry)
		assert.Nil(t, p.Streak)
		assert.Nil(t, p.LastStudyDate)
	}

	assert.Equal(t, 3, rec.Streak)
	assert.Equal(t, 6, rec.TotalCardsRead)
	assert.Equal(t, 1, rec.DailyProgress[SubjectAnatomy])
	assert.Equal(t, 5, rec.DailyProgress[SubjectBiochemistry])
}

func TestApplyStudyEvent_CountersFollowEventSequence(t *testing.T) {
	type event struct {
		day     string
		subject Subject
	}
	events := []event{
		{"2025-03-01", SubjectAnatomy},
		{"2025-03-01", SubjectAnatomy},
		{"2025-03-01", SubjectPhysiology},
		{"2025-03-02", SubjectBiochemistry},
		{"2025-03-05", SubjectAnatomy},
		{"2025-03-05", SubjectBiochemistry},
		{"2025-03-05", SubjectAnatomy},
	}

	rec := freshRecord(t)
	for _, e := range events {
		rec, _ = Reconcile(rec, day(e.day))
		rec, _ = ApplyStudyEvent(rec, day(e.day), e.subject)
	}

	assert.Equal(t, len(events), rec.TotalCardsRead)
	assert.Equal(t, Progress{SubjectAnatomy: 2, SubjectPhysiology: 0, SubjectBiochemistry: 1}, rec.DailyProgress)
	assert.Equal(t, 1, rec.Streak)
	assert.Equal(t, day("2025-03-05"), rec.LastStudyDate)
}

func TestApplyStudyEvent_WithoutReconcileStillResetsNewDay(t *testing.T) {
	rec := freshRecord(t)
	rec.LastStudyDate = day("2025-03-09")
	rec.Streak = 1
	rec.DailyProgress[SubjectAnatomy] = 7

	got, _ := ApplyStudyEvent(rec, day("2025-03-10"), SubjectPhysiology)

	assert.Equal(t, Progress{SubjectAnatomy: 0, SubjectPhysiology: 1, SubjectBiochemistry: 0}, got.DailyProgress)
	assert.Equal(t, 2, got.Streak)
}

func TestReconcileThenStudy_YesterdayContinuesStreak(t *testing.T) {
	d := day("2025-03-10")
	rec := freshRecord(t)
	rec.Streak = 5
	rec.LastStudyDate = d.Previous()

	reconciled, rp := Reconcile(rec, d)
	studied, sp := ApplyStudyEvent(reconciled, d, SubjectAnatomy)

	assert.Equal(t, 6, studied.Streak)
	assert.Equal(t, studied, rp.Merge(sp).ApplyTo(rec))
}

func TestApplyStudyEvent_PanicsOnUnknownSubject(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, shared.ErrInvalidSubject)
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	}()

	ApplyStudyEvent(freshRecord(t), day("2025-03-10"), Subject("chemistry"))
}

func TestOnceSubscription(t *testing.T) {
	calls := 0
	sub := OnceSubscription(func() { calls++ })

	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.Equal(t, 1, calls)
}
