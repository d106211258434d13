package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/pulsecard/studysync/pkg/timeutil"
)

// IntervalSchedule schedules a job to run at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// NewIntervalSchedule creates a new IntervalSchedule.
func NewIntervalSchedule(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{
		Interval: interval,
	}
}

// Next returns the next scheduled time.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// String returns the string representation of the schedule.
func (s *IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval.String())
}

// DailySchedule fires once per calendar day, Offset after midnight of the policy's zone.
type DailySchedule struct {
	Policy timeutil.Policy
	Offset time.Duration
}

// NewDailySchedule creates a schedule for the first instant of each day plus offset.
func NewDailySchedule(policy timeutil.Policy, offset time.Duration) *DailySchedule {
	return &DailySchedule{Policy: policy, Offset: offset}
}

// Next returns the first midnight+offset strictly after t.
func (s *DailySchedule) Next(t time.Time) time.Time {
	candidate := s.Policy.DayKey(t).Time(s.location()).Add(s.Offset)
	if candidate.After(t) {
		return candidate
	}
	return s.Policy.NextMidnight(t).Add(s.Offset)
}

// String returns the string representation of the schedule.
func (s *DailySchedule) String() string {
	return fmt.Sprintf("@daily %s+%s", s.location(), s.Offset)
}

func (s *DailySchedule) location() *time.Location {
	if s.Policy.Location == nil {
		return time.UTC
	}
	return s.Policy.Location
}

// EarliestSchedule fires at whichever of its schedules comes first.
type EarliestSchedule struct {
	schedules []Schedule
}

// NewEarliestSchedule combines schedules, e.g. a daily run plus a safety interval.
func NewEarliestSchedule(schedules ...Schedule) *EarliestSchedule {
	return &EarliestSchedule{schedules: schedules}
}

// Next returns the earliest Next of the combined schedules.
func (s *EarliestSchedule) Next(t time.Time) time.Time {
	var next time.Time
	for _, sc := range s.schedules {
		n := sc.Next(t)
		if next.IsZero() || n.Before(next) {
			next = n
		}
	}
	return next
}

// String returns the string representation of the schedule.
func (s *EarliestSchedule) String() string {
	parts := make([]string, len(s.schedules))
	for i, sc := range s.schedules {
		parts[i] = sc.String()
	}
	return strings.Join(parts, " | ")
}
