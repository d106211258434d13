package firestore

import (
	"math"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

// Document field names.
const (
	fieldDisplayName    = "displayName"
	fieldPhotoURL       = "photoURL"
	fieldStreak         = "streak"
	fieldLastStudyDate  = "lastStudyDate"
	fieldTotalCardsRead = "totalCardsRead"
	fieldDailyGoals     = "dailyGoals"
	fieldDailyProgress  = "dailyProgress"
	fieldCreatedAt      = "createdAt"
)

// legacyDateFormat is how older clients stored lastStudyDate ("Mon Mar 10 2025").
const legacyDateFormat = "Mon Jan 02 2006"

// fieldWrite is one document path of an update.
type fieldWrite struct {
	path      string
	value     interface{}
	increment bool
}

// planWrites lowers a patch to per-path writes. Firestore rejects an update
// that names the same path twice, so a set and an increment of one progress
// field are folded into a single set of value+delta.
func planWrites(p profile.Patch) []fieldWrite {
	var writes []fieldWrite

	if p.Streak != nil {
		writes = append(writes, fieldWrite{path: fieldStreak, value: *p.Streak})
	}
	if p.LastStudyDate != nil {
		writes = append(writes, fieldWrite{path: fieldLastStudyDate, value: dateValue(*p.LastStudyDate)})
	}
	if p.DailyGoals != nil {
		goals := make(map[string]interface{}, len(p.DailyGoals))
		for s, v := range p.DailyGoals {
			goals[string(s)] = v
		}
		writes = append(writes, fieldWrite{path: fieldDailyGoals, value: goals})
	}

	folded := make(map[profile.FieldPath]bool)
	for s, v := range p.DailyProgress {
		f := profile.ProgressField(s)
		delta := p.Increments[f]
		folded[f] = true
		writes = append(writes, fieldWrite{path: string(f), value: int64(v) + delta})
	}

	for f, delta := range p.Increments {
		if folded[f] || delta == 0 {
			continue
		}
		writes = append(writes, fieldWrite{path: string(f), value: delta, increment: true})
	}

	sort.Slice(writes, func(i, j int) bool { return writes[i].path < writes[j].path })
	return writes
}

// toUpdates converts planned writes to the client's update list.
func toUpdates(writes []fieldWrite) []firestore.Update {
	updates := make([]firestore.Update, 0, len(writes))
	for _, w := range writes {
		value := w.value
		if w.increment {
			value = firestore.Increment(w.value)
		}
		updates = append(updates, firestore.Update{Path: w.path, Value: value})
	}
	return updates
}

func dateValue(d timeutil.DayKey) interface{} {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

// encodeRecord builds the document written at creation.
func encodeRecord(rec profile.Record) map[string]interface{} {
	goals := make(map[string]interface{}, len(profile.Subjects()))
	progress := make(map[string]interface{}, len(profile.Subjects()))
	for _, s := range profile.Subjects() {
		goals[string(s)] = rec.GoalFor(s)
		progress[string(s)] = rec.ProgressFor(s)
	}

	var createdAt interface{} = rec.CreatedAt
	if rec.CreatedAt.IsZero() {
		createdAt = firestore.ServerTimestamp
	}

	return map[string]interface{}{
		fieldDisplayName:    rec.DisplayName,
		fieldPhotoURL:       rec.AvatarRef,
		fieldStreak:         rec.Streak,
		fieldLastStudyDate:  dateValue(rec.LastStudyDate),
		fieldTotalCardsRead: rec.TotalCardsRead,
		fieldDailyGoals:     goals,
		fieldDailyProgress:  progress,
		fieldCreatedAt:      createdAt,
	}
}

// decodeRecord rebuilds a record from document data. Values of the wrong type
// fall back to zero and are reported by field path.
func decodeRecord(data map[string]interface{}) (profile.Record, []string) {
	var malformed []string

	intAt := func(path string, raw interface{}) int {
		if raw == nil {
			return 0
		}
		v, ok := toInt(raw)
		if !ok {
			malformed = append(malformed, path)
		}
		return v
	}

	rec := profile.Record{
		DailyGoals:    make(profile.Goals, len(profile.Subjects())),
		DailyProgress: make(profile.Progress, len(profile.Subjects())),
	}
	rec.DisplayName, _ = data[fieldDisplayName].(string)
	rec.AvatarRef, _ = data[fieldPhotoURL].(string)
	rec.Streak = intAt(fieldStreak, data[fieldStreak])
	rec.TotalCardsRead = intAt(fieldTotalCardsRead, data[fieldTotalCardsRead])

	switch v := data[fieldLastStudyDate].(type) {
	case nil:
	case string:
		day, ok := parseStudyDate(v)
		if !ok {
			malformed = append(malformed, fieldLastStudyDate)
		}
		rec.LastStudyDate = day
	default:
		malformed = append(malformed, fieldLastStudyDate)
	}

	if t, ok := data[fieldCreatedAt].(time.Time); ok {
		rec.CreatedAt = t
	}

	goals, _ := data[fieldDailyGoals].(map[string]interface{})
	progress, _ := data[fieldDailyProgress].(map[string]interface{})
	for _, s := range profile.Subjects() {
		rec.DailyGoals[s] = intAt(fieldDailyGoals+"."+string(s), goals[string(s)])
		rec.DailyProgress[s] = intAt(fieldDailyProgress+"."+string(s), progress[string(s)])
	}

	return rec, malformed
}

func parseStudyDate(raw string) (timeutil.DayKey, bool) {
	raw = strings.TrimSpace(raw)
	if day, err := timeutil.ParseDayKey(raw); err == nil {
		return day, true
	}
	if t, err := time.Parse(legacyDateFormat, raw); err == nil {
		return timeutil.DayKeyOf(t, time.UTC), true
	}
	return timeutil.DayKey{}, false
}

func toInt(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
