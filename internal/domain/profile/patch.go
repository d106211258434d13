package profile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

// FieldPath names a counter that can be incremented remotely.
type FieldPath string

const (
	// FieldTotalCardsRead is the lifetime card counter.
	FieldTotalCardsRead FieldPath = "totalCardsRead"

	progressPrefix = "dailyProgress."
)

// ProgressField returns the path of today's counter for s.
func ProgressField(s Subject) FieldPath {
	return FieldPath(progressPrefix + string(s))
}

// Subject returns the subject of a dailyProgress path.
func (f FieldPath) Subject() (Subject, bool) {
	key, ok := strings.CutPrefix(string(f), progressPrefix)
	if !ok {
		return "", false
	}
	s := Subject(key)
	return s, s.IsValid()
}

// Validate reports whether f names an incrementable counter.
func (f FieldPath) Validate() error {
	if f == FieldTotalCardsRead {
		return nil
	}
	if _, ok := f.Subject(); ok {
		return nil
	}
	return fmt.Errorf("%w: %q", shared.ErrInvalidPatchField, string(f))
}

// Patch is a partial update of a Record.
// Sets are applied first, then increments, so a patch can both reset a counter
// for a new day and count the event that triggered the reset.
type Patch struct {
	Streak        *int
	LastStudyDate *timeutil.DayKey
	DailyGoals    Goals    // non-nil replaces the whole map
	DailyProgress Progress // per-subject sets
	Increments    map[FieldPath]int64
}

// IsEmpty reports whether applying p changes nothing.
func (p Patch) IsEmpty() bool {
	if p.Streak != nil || p.LastStudyDate != nil || p.DailyGoals != nil || len(p.DailyProgress) > 0 {
		return false
	}
	for _, delta := range p.Increments {
		if delta != 0 {
			return false
		}
	}
	return true
}

// SetStreak records an absolute streak value.
func (p *Patch) SetStreak(v int) {
	p.Streak = &v
}

// SetLastStudyDate records an absolute last study date.
func (p *Patch) SetLastStudyDate(d timeutil.DayKey) {
	p.LastStudyDate = &d
}

// SetProgress records an absolute progress value for s.
func (p *Patch) SetProgress(s Subject, v int) {
	if p.DailyProgress == nil {
		p.DailyProgress = make(Progress, len(subjects))
	}
	p.DailyProgress[s] = v
}

// Increment adds delta to the pending increment of f.
func (p *Patch) Increment(f FieldPath, delta int64) {
	if p.Increments == nil {
		p.Increments = make(map[FieldPath]int64, 2)
	}
	p.Increments[f] += delta
	if p.Increments[f] == 0 {
		delete(p.Increments, f)
	}
}

// Merge returns the patch equivalent to applying p and then next.
func (p Patch) Merge(next Patch) Patch {
	var out Patch

	out.Streak = p.Streak
	if next.Streak != nil {
		out.Streak = next.Streak
	}
	out.LastStudyDate = p.LastStudyDate
	if next.LastStudyDate != nil {
		out.LastStudyDate = next.LastStudyDate
	}
	out.DailyGoals = p.DailyGoals.Clone()
	if next.DailyGoals != nil {
		out.DailyGoals = next.DailyGoals.Clone()
	}
	for s, v := range p.DailyProgress {
		out.SetProgress(s, v)
	}
	for s, v := range next.DailyProgress {
		out.SetProgress(s, v)
	}

	for f, delta := range p.Increments {
		// A later set overrides an earlier increment of the same counter.
		if s, ok := f.Subject(); ok {
			if _, reset := next.DailyProgress[s]; reset {
				continue
			}
		}
		out.Increment(f, delta)
	}
	for f, delta := range next.Increments {
		out.Increment(f, delta)
	}
	return out
}

// ApplyTo returns rec with p applied. rec is not modified.
func (p Patch) ApplyTo(rec Record) Record {
	out := rec.Clone()
	if out.DailyProgress == nil {
		out.DailyProgress = make(Progress, len(subjects))
	}

	if p.Streak != nil {
		out.Streak = *p.Streak
	}
	if p.LastStudyDate != nil {
		out.LastStudyDate = *p.LastStudyDate
	}
	if p.DailyGoals != nil {
		out.DailyGoals = p.DailyGoals.Clone()
	}
	for s, v := range p.DailyProgress {
		out.DailyProgress[s] = v
	}

	for f, delta := range p.Increments {
		if f == FieldTotalCardsRead {
			out.TotalCardsRead += int(delta)
			continue
		}
		if s, ok := f.Subject(); ok {
			out.DailyProgress[s] += int(delta)
		}
	}
	return out
}

// Validate rejects patches that no store should accept.
func (p Patch) Validate() error {
	if p.Streak != nil && *p.Streak < 0 {
		return fmt.Errorf("%w: negative streak", shared.ErrValueOutOfRange)
	}
	if p.DailyGoals != nil {
		if err := p.DailyGoals.Validate(); err != nil {
			return err
		}
	}
	for s, v := range p.DailyProgress {
		if !s.IsValid() {
			return fmt.Errorf("%w: %q", shared.ErrInvalidSubject, string(s))
		}
		if v < 0 {
			return fmt.Errorf("%w: negative progress for %s", shared.ErrValueOutOfRange, s)
		}
	}
	for f := range p.Increments {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Fields lists the touched field paths in stable order, for logs.
func (p Patch) Fields() []string {
	var fields []string
	if p.Streak != nil {
		fields = append(fields, "streak")
	}
	if p.LastStudyDate != nil {
		fields = append(fields, "lastStudyDate")
	}
	if p.DailyGoals != nil {
		fields = append(fields, "dailyGoals")
	}
	for s := range p.DailyProgress {
		fields = append(fields, string(ProgressField(s)))
	}
	for f, delta := range p.Increments {
		if delta != 0 {
			fields = append(fields, "+"+string(f))
		}
	}
	sort.Strings(fields)
	return fields
}
