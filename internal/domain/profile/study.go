package profile

import "github.com/pulsecard/studysync/pkg/timeutil"

// ApplyStudyEvent folds one accepted study event for subject into rec.
//
// The lifetime total and the subject's daily counter always grow by one and are
// expressed as increments so concurrent devices compose. On the first event of a
// day the streak is set (1, or +1 after studying yesterday), LastStudyDate becomes
// today, and all daily counters are set to zero before the increment.
//
// subject must belong to the closed set; anything else panics.
func ApplyStudyEvent(rec Record, today timeutil.DayKey, subject Subject) (Record, Patch) {
	mustBeKnown("ApplyStudyEvent", subject)

	var patch Patch

	if state := StreakStateOf(rec, today); state != StudiedToday {
		next := 1
		if state == StudiedYesterday {
			next = rec.Streak + 1
		}
		patch.SetStreak(next)
		patch.SetLastStudyDate(today)
		for _, s := range subjects {
			patch.SetProgress(s, 0)
		}
	}

	patch.Increment(FieldTotalCardsRead, 1)
	patch.Increment(ProgressField(subject), 1)

	return patch.ApplyTo(rec), patch
}
