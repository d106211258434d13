// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/pulsecard/studysync/internal/application/session"
	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET DAILY PROGRESS QUERY
// Today's cards per subject against the daily goals, plus the streak.
// Computed on the reconciled view of the session record; never writes.
// ══════════════════════════════════════════════════════════════════════════════

// SessionSource exposes the latest session state. *session.Manager implements it.
type SessionSource interface {
	Current() session.State
}

// GetDailyProgressQuery has no parameters: it always reads the bound profile.
type GetDailyProgressQuery struct{}

// SubjectProgressDTO is one subject row.
type SubjectProgressDTO struct {
	Subject string
	Title   string
	Count   int
	Goal    int
	Percent int
	GoalMet bool
}

// StreakInfoDTO describes the streak as of today.
type StreakInfoDTO struct {
	CurrentStreak     int
	State             string
	LastStudyDate     string
	IsAtRisk          bool
	HoursToSaveStreak int
	StreakMessage     string
}

// GetDailyProgressResult is the daily progress view.
type GetDailyProgressResult struct {
	Identity       string
	DisplayName    string
	AvatarRef      string
	Day            string
	Subjects       []SubjectProgressDTO
	CardsToday     int
	GoalToday      int
	OverallPercent int
	AllGoalsMet    bool
	TotalCardsRead int
	Streak         StreakInfoDTO
}

// GetDailyProgressHandler handles GetDailyProgressQuery.
type GetDailyProgressHandler struct {
	sessions SessionSource
	policy   timeutil.Policy
	clock    timeutil.Clock
}

// NewGetDailyProgressHandler creates a new GetDailyProgressHandler.
func NewGetDailyProgressHandler(sessions SessionSource, policy timeutil.Policy, clock timeutil.Clock) *GetDailyProgressHandler {
	if policy.Location == nil {
		policy = timeutil.UTCPolicy()
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &GetDailyProgressHandler{sessions: sessions, policy: policy, clock: clock}
}

// Handle executes the query.
func (h *GetDailyProgressHandler) Handle(ctx context.Context, _ GetDailyProgressQuery) (*GetDailyProgressResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, rec, err := h.sessions.Current().Profile()
	if err != nil {
		return nil, fmt.Errorf("get_daily_progress: %w", err)
	}

	now := h.clock.Now()
	today := h.policy.DayKey(now)
	view, _ := profile.Reconcile(rec, today)

	result := &GetDailyProgressResult{
		Identity:       id.String(),
		DisplayName:    view.DisplayName,
		AvatarRef:      view.AvatarRef,
		Day:            today.String(),
		TotalCardsRead: view.TotalCardsRead,
		AllGoalsMet:    true,
	}

	counted := 0
	for _, s := range profile.Subjects() {
		row := buildSubjectProgress(s, view.ProgressFor(s), view.GoalFor(s))
		result.Subjects = append(result.Subjects, row)
		result.CardsToday += row.Count
		result.GoalToday += row.Goal
		counted += min(row.Count, row.Goal)
		if !row.GoalMet {
			result.AllGoalsMet = false
		}
	}
	result.OverallPercent = percent(counted, result.GoalToday)

	result.Streak = h.streakInfo(view, today, now)
	return result, nil
}

func (h *GetDailyProgressHandler) streakInfo(rec profile.Record, today timeutil.DayKey, now time.Time) StreakInfoDTO {
	state := profile.StreakStateOf(rec, today)
	info := StreakInfoDTO{
		CurrentStreak: rec.Streak,
		State:         state.String(),
		LastStudyDate: rec.LastStudyDate.String(),
	}

	if state == profile.StudiedYesterday && rec.Streak > 0 {
		info.IsAtRisk = true
		info.HoursToSaveStreak = int(h.policy.NextMidnight(now).Sub(now).Hours())
	}
	info.StreakMessage = generateStreakMessage(rec.Streak, info.IsAtRisk, state == profile.StudiedToday)
	return info
}

func buildSubjectProgress(s profile.Subject, count, goal int) SubjectProgressDTO {
	return SubjectProgressDTO{
		Subject: s.String(),
		Title:   s.Title(),
		Count:   count,
		Goal:    goal,
		Percent: min(percent(count, goal), 100),
		GoalMet: goal > 0 && count >= goal,
	}
}

func percent(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return part * 100 / whole
}

// generateStreakMessage picks the streak banner.
func generateStreakMessage(streak int, isAtRisk, isActiveToday bool) string {
	if streak == 0 {
		return "Start a streak today! 🔥"
	}

	if isAtRisk {
		return fmt.Sprintf("🔥 %d-day streak! Study today to keep it!", streak)
	}

	if isActiveToday {
		switch {
		case streak >= 30:
			return fmt.Sprintf("🏆 %d days in a row! Legendary!", streak)
		case streak >= 7:
			return fmt.Sprintf("🔥 %d days! Great streak!", streak)
		default:
			return fmt.Sprintf("🔥 %d days in a row! Keep going!", streak)
		}
	}

	return fmt.Sprintf("Streak: %d days", streak)
}
