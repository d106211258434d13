package profile

import "github.com/pulsecard/studysync/pkg/timeutil"

// Reconcile brings rec in line with today.
//
// When the last study date is neither absent nor today, every daily counter is
// zeroed, and the streak drops to zero unless the last study date was yesterday.
// LastStudyDate itself is never touched: only a study event moves it.
//
// The patch holds only fields whose value changes, so reconciling an already
// reconciled record returns an empty patch and no write is needed.
func Reconcile(rec Record, today timeutil.DayKey) (Record, Patch) {
	var patch Patch

	state := StreakStateOf(rec, today)
	if state == NoHistory || state == StudiedToday {
		return rec.Clone(), patch
	}

	for _, s := range subjects {
		if rec.DailyProgress[s] != 0 {
			patch.SetProgress(s, 0)
		}
	}
	if state == Lapsed && rec.Streak != 0 {
		patch.SetStreak(0)
	}

	return patch.ApplyTo(rec), patch
}
