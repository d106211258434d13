package redis

import (
	"strconv"
	"strings"
	"time"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

// Hash field names of a profile.
const (
	fieldDisplayName    = "display_name"
	fieldAvatarRef      = "avatar_ref"
	fieldStreak         = "streak"
	fieldLastStudyDate  = "last_study_date"
	fieldTotalCardsRead = "total_cards_read"
	fieldCreatedAt      = "created_at"
	goalPrefix          = "goal:"
	progressPrefix      = "progress:"
)

func goalField(s profile.Subject) string     { return goalPrefix + string(s) }
func progressField(s profile.Subject) string { return progressPrefix + string(s) }

// hashField maps an incrementable path to its hash field.
func hashField(f profile.FieldPath) (string, bool) {
	if f == profile.FieldTotalCardsRead {
		return fieldTotalCardsRead, true
	}
	if s, ok := f.Subject(); ok {
		return progressField(s), true
	}
	return "", false
}

// encodeRecord flattens a record into HSET arguments.
func encodeRecord(rec profile.Record) map[string]interface{} {
	values := map[string]interface{}{
		fieldDisplayName:    rec.DisplayName,
		fieldAvatarRef:      rec.AvatarRef,
		fieldStreak:         rec.Streak,
		fieldLastStudyDate:  rec.LastStudyDate.String(),
		fieldTotalCardsRead: rec.TotalCardsRead,
		fieldCreatedAt:      rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, s := range profile.Subjects() {
		values[goalField(s)] = rec.GoalFor(s)
		values[progressField(s)] = rec.ProgressFor(s)
	}
	return values
}

// decodeRecord rebuilds a record from HGETALL output. Values that do not parse
// fall back to their zero value and are reported by field name.
func decodeRecord(fields map[string]string) (profile.Record, []string) {
	var malformed []string

	intField := func(name string) int {
		raw, ok := fields[name]
		if !ok || raw == "" {
			return 0
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			malformed = append(malformed, name)
			return 0
		}
		return v
	}

	rec := profile.Record{
		DisplayName:    fields[fieldDisplayName],
		AvatarRef:      fields[fieldAvatarRef],
		Streak:         intField(fieldStreak),
		TotalCardsRead: intField(fieldTotalCardsRead),
		DailyGoals:     make(profile.Goals, len(profile.Subjects())),
		DailyProgress:  make(profile.Progress, len(profile.Subjects())),
	}

	if day, err := timeutil.ParseDayKey(strings.TrimSpace(fields[fieldLastStudyDate])); err != nil {
		malformed = append(malformed, fieldLastStudyDate)
	} else {
		rec.LastStudyDate = day
	}

	if raw := fields[fieldCreatedAt]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err != nil {
			malformed = append(malformed, fieldCreatedAt)
		} else {
			rec.CreatedAt = t
		}
	}

	for _, s := range profile.Subjects() {
		rec.DailyGoals[s] = intField(goalField(s))
		rec.DailyProgress[s] = intField(progressField(s))
	}

	return rec, malformed
}

// patchCommands splits a patch into HSET values and HINCRBY deltas.
func patchCommands(p profile.Patch) (map[string]interface{}, map[string]int64) {
	sets := make(map[string]interface{})
	if p.Streak != nil {
		sets[fieldStreak] = *p.Streak
	}
	if p.LastStudyDate != nil {
		sets[fieldLastStudyDate] = p.LastStudyDate.String()
	}
	for s, v := range p.DailyGoals {
		sets[goalField(s)] = v
	}
	for s, v := range p.DailyProgress {
		sets[progressField(s)] = v
	}

	incrs := make(map[string]int64)
	for f, delta := range p.Increments {
		if name, ok := hashField(f); ok && delta != 0 {
			incrs[name] += delta
		}
	}
	return sets, incrs
}
