package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

func TestBuildUpdate_StudyPatch(t *testing.T) {
	var p profile.Patch
	p.SetStreak(3)
	p.SetLastStudyDate(timeutil.MustParseDayKey("2025-03-10"))
	p.Increment(profile.FieldTotalCardsRead, 1)
	p.Increment(profile.ProgressField(profile.SubjectAnatomy), 1)

	query, args, err := buildUpdate("u1", p)
	require.NoError(t, err)

	assert.Equal(t,
		"UPDATE profiles SET streak = $2, last_study_date = $3::date, "+
			"total_cards_read = total_cards_read + $6, "+
			"daily_progress = daily_progress || jsonb_build_object($4::text, COALESCE((daily_progress->>$4::text)::bigint, 0) + $5) "+
			"WHERE identity = $1",
		query)
	assert.Equal(t, []interface{}{"u1", 3, "2025-03-10", "anatomy", int64(1), int64(1)}, args)
}

func TestBuildUpdate_IncrementReadsPostSetValue(t *testing.T) {
	var p profile.Patch
	p.SetProgress(profile.SubjectAnatomy, 0)
	p.Increment(profile.ProgressField(profile.SubjectAnatomy), 1)

	query, args, err := buildUpdate("u1", p)
	require.NoError(t, err)

	assert.Contains(t, query, "daily_progress = (daily_progress || $2::jsonb) || jsonb_build_object($3::text, COALESCE(((daily_progress || $2::jsonb)->>$3::text)::bigint, 0) + $4)")
	assert.JSONEq(t, `{"anatomy":0}`, args[1].(string))
}

func TestBuildUpdate_SetsOnly(t *testing.T) {
	p := profile.Patch{DailyGoals: profile.UniformGoals(20)}
	p.SetProgress(profile.SubjectPhysiology, 0)

	query, args, err := buildUpdate("u1", p)
	require.NoError(t, err)

	assert.Equal(t, "UPDATE profiles SET daily_goals = $2::jsonb, daily_progress = (daily_progress || $3::jsonb) WHERE identity = $1", query)
	assert.JSONEq(t, `{"anatomy":20,"physiology":20,"biochemistry":20}`, args[1].(string))
	assert.JSONEq(t, `{"physiology":0}`, args[2].(string))
}

func TestBuildUpdate_ClearsStudyDate(t *testing.T) {
	var p profile.Patch
	p.SetLastStudyDate(timeutil.DayKey{})

	_, args, err := buildUpdate("u1", p)
	require.NoError(t, err)
	assert.Nil(t, args[1])
}

func TestBuildUpdate_EmptyPatch(t *testing.T) {
	_, _, err := buildUpdate("u1", profile.Patch{})
	assert.Error(t, err)
}

func TestDecodeCounters(t *testing.T) {
	got, err := decodeCounters([]byte(`{"anatomy": 4, "physiology": "lots"}`))
	assert.Error(t, err)
	assert.Equal(t, map[string]int{"anatomy": 4}, got)

	got, err = decodeCounters(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = decodeCounters([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestBuildGuardedUpdate(t *testing.T) {
	var p profile.Patch
	p.SetStreak(0)
	p.SetProgress(profile.SubjectAnatomy, 0)

	query, args, err := buildGuardedUpdate("u1", timeutil.MustParseDayKey("2025-03-08"), p)
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE profiles SET streak = $2, daily_progress = (daily_progress || $3::jsonb) WHERE identity = $1 AND last_study_date IS NOT DISTINCT FROM $4::date",
		query)
	assert.Equal(t, []interface{}{"u1", 0, `{"anatomy":0}`, "2025-03-08"}, args)
}

func TestBuildGuardedUpdate_ZeroDateMatchesNull(t *testing.T) {
	var p profile.Patch
	p.SetStreak(0)

	_, args, err := buildGuardedUpdate("u1", timeutil.DayKey{}, p)
	require.NoError(t, err)
	assert.Nil(t, args[len(args)-1])
}
