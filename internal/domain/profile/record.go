package profile

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

const (
	// DefaultDailyGoal is used for subjects without a positive goal.
	DefaultDailyGoal = 10

	// MaxDailyGoal bounds a single subject goal.
	MaxDailyGoal = 1000

	// MaxDisplayNameLength is measured in runes.
	MaxDisplayNameLength = 64
)

var avatars = []string{
	"https://api.dicebear.com/9.x/toon-head/svg?seed=Jameson&eyebrows=sad&eyes=happy&hair=sideComed&mouth=smile&skinColor=a36b4f",
	"https://api.dicebear.com/9.x/toon-head/svg?seed=Christian&eyebrows=sad&eyes=happy&hair=sideComed&mouth=smile&skinColor=a36b4f",
}

// Avatars returns the built-in avatar catalogue. The first entry is the default.
func Avatars() []string {
	out := make([]string, len(avatars))
	copy(out, avatars)
	return out
}

// Goals maps each subject to its positive daily target.
type Goals map[Subject]int

// Progress maps each subject to the number of cards studied today.
type Progress map[Subject]int

// Clone returns an independent copy of g.
func (g Goals) Clone() Goals {
	if g == nil {
		return nil
	}
	out := make(Goals, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

// Validate checks that every subject has a goal in (0, MaxDailyGoal] and nothing else is present.
func (g Goals) Validate() error {
	for k, v := range g {
		if !k.IsValid() {
			return shared.ErrInvalidSubject
		}
		if v <= 0 || v > MaxDailyGoal {
			return shared.ErrInvalidGoals
		}
	}
	for _, s := range subjects {
		if _, ok := g[s]; !ok {
			return shared.ErrInvalidGoals
		}
	}
	return nil
}

// UniformGoals returns a goal map with the same target for every subject.
func UniformGoals(target int) Goals {
	g := make(Goals, len(subjects))
	for _, s := range subjects {
		g[s] = target
	}
	return g
}

// Clone returns an independent copy of p.
func (p Progress) Clone() Progress {
	if p == nil {
		return nil
	}
	out := make(Progress, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// IsZero reports whether every counter is zero.
func (p Progress) IsZero() bool {
	for _, v := range p {
		if v != 0 {
			return false
		}
	}
	return true
}

// ZeroProgress returns a progress map with every subject at zero.
func ZeroProgress() Progress {
	p := make(Progress, len(subjects))
	for _, s := range subjects {
		p[s] = 0
	}
	return p
}

// Record is the durable study profile of one identity.
// The remote store owns it; everything in this process holds copies.
type Record struct {
	DisplayName    string
	AvatarRef      string
	Streak         int
	LastStudyDate  timeutil.DayKey // zero until the first study event
	TotalCardsRead int
	DailyGoals     Goals
	DailyProgress  Progress
	CreatedAt      time.Time
}

// NewRecord builds the creation-time record: every counter at zero and no study date.
func NewRecord(displayName, avatarRef string, goals Goals, createdAt time.Time) (Record, error) {
	name := strings.TrimSpace(displayName)
	if name == "" || utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return Record{}, shared.ErrInvalidName
	}

	avatar := strings.TrimSpace(avatarRef)
	if avatar == "" {
		return Record{}, shared.ErrInvalidAvatar
	}

	if goals == nil {
		goals = UniformGoals(DefaultDailyGoal)
	}
	if err := goals.Validate(); err != nil {
		return Record{}, err
	}

	return Record{
		DisplayName:   name,
		AvatarRef:     avatar,
		DailyGoals:    goals.Clone(),
		DailyProgress: ZeroProgress(),
		CreatedAt:     createdAt.UTC(),
	}, nil
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.DailyGoals = r.DailyGoals.Clone()
	out.DailyProgress = r.DailyProgress.Clone()
	return out
}

// Normalize repairs a record read from storage: unknown subjects are dropped,
// missing subjects get zero progress and the default goal, negative counters become zero.
func (r Record) Normalize(defaultGoal int) Record {
	if defaultGoal <= 0 {
		defaultGoal = DefaultDailyGoal
	}

	out := r
	out.DailyGoals = make(Goals, len(subjects))
	out.DailyProgress = make(Progress, len(subjects))
	for _, s := range subjects {
		goal := r.DailyGoals[s]
		if goal <= 0 {
			goal = defaultGoal
		}
		out.DailyGoals[s] = goal
		out.DailyProgress[s] = nonNegative(r.DailyProgress[s])
	}
	out.Streak = nonNegative(r.Streak)
	out.TotalCardsRead = nonNegative(r.TotalCardsRead)
	return out
}

// GoalFor returns the daily goal for s.
func (r Record) GoalFor(s Subject) int {
	return r.DailyGoals[s]
}

// ProgressFor returns today's count for s.
func (r Record) ProgressFor(s Subject) int {
	return r.DailyProgress[s]
}

// HasStudied reports whether at least one study event was ever accepted.
func (r Record) HasStudied() bool {
	return !r.LastStudyDate.IsZero()
}

// StreakState classifies a record's last study date relative to today.
type StreakState int

const (
	NoHistory StreakState = iota
	StudiedToday
	StudiedYesterday
	Lapsed
)

// String returns the state name.
func (s StreakState) String() string {
	switch s {
	case NoHistory:
		return "no_history"
	case StudiedToday:
		return "studied_today"
	case StudiedYesterday:
		return "studied_yesterday"
	case Lapsed:
		return "lapsed"
	default:
		return "unknown"
	}
}

// StreakStateOf derives the streak state of rec on today.
// A last study date after today (clock skew between devices) counts as today.
func StreakStateOf(rec Record, today timeutil.DayKey) StreakState {
	last := rec.LastStudyDate
	switch {
	case last.IsZero():
		return NoHistory
	case !last.Before(today):
		return StudiedToday
	case last.IsConsecutive(today):
		return StudiedYesterday
	default:
		return Lapsed
	}
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
