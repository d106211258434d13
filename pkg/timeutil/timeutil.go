// Package timeutil normalises instants to calendar days for studysync.
// Every "same day" / "yesterday" decision in the module goes through DayKey,
// so there is exactly one date representation and one comparison rule.
// No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"time"
)

// FormatDate is the only persisted representation of a DayKey (YYYY-MM-DD).
const FormatDate = "2006-01-02"

// DayKey is a calendar day stripped of time-of-day.
// The zero value means "no day" (e.g. a profile that has never studied).
type DayKey struct {
	year  int
	month time.Month
	day   int
}

// NewDayKey builds a DayKey, normalising out-of-range values the way time.Date does
// (e.g. March 0 becomes the last day of February).
func NewDayKey(year int, month time.Month, day int) DayKey {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return DayKey{year: t.Year(), month: t.Month(), day: t.Day()}
}

// DayKeyOf returns the calendar day of t as observed in loc.
// A nil loc means UTC.
func DayKeyOf(t time.Time, loc *time.Location) DayKey {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return DayKey{year: local.Year(), month: local.Month(), day: local.Day()}
}

// ParseDayKey parses a YYYY-MM-DD string. The empty string parses to the zero key.
func ParseDayKey(s string) (DayKey, error) {
	if s == "" {
		return DayKey{}, nil
	}
	t, err := time.ParseInLocation(FormatDate, s, time.UTC)
	if err != nil {
		return DayKey{}, fmt.Errorf("timeutil: invalid day key %q: %w", s, err)
	}
	return DayKey{year: t.Year(), month: t.Month(), day: t.Day()}, nil
}

// MustParseDayKey is ParseDayKey for constants and tests.
func MustParseDayKey(s string) DayKey {
	d, err := ParseDayKey(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsZero reports whether d is the "no day" value.
func (d DayKey) IsZero() bool {
	return d == DayKey{}
}

// Year returns the year of d.
func (d DayKey) Year() int { return d.year }

// Month returns the month of d.
func (d DayKey) Month() time.Month { return d.month }

// Day returns the day of month of d.
func (d DayKey) Day() int { return d.day }

// String formats d as YYYY-MM-DD, or "" for the zero key.
func (d DayKey) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.year, int(d.month), d.day)
}

// Time returns midnight of d in loc (UTC when loc is nil).
func (d DayKey) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.year, d.month, d.day, 0, 0, 0, 0, loc)
}

// AddDays returns d shifted by n calendar days.
func (d DayKey) AddDays(n int) DayKey {
	return NewDayKey(d.year, d.month, d.day+n)
}

// Previous returns the calendar day immediately before d.
func (d DayKey) Previous() DayKey {
	return d.AddDays(-1)
}

// Next returns the calendar day immediately after d.
func (d DayKey) Next() DayKey {
	return d.AddDays(1)
}

// Compare returns -1, 0 or +1 in calendar order. The zero key sorts first.
func (d DayKey) Compare(other DayKey) int {
	switch {
	case d.year != other.year:
		return cmpInt(d.year, other.year)
	case d.month != other.month:
		return cmpInt(int(d.month), int(other.month))
	default:
		return cmpInt(d.day, other.day)
	}
}

// Before reports whether d is strictly earlier than other.
func (d DayKey) Before(other DayKey) bool { return d.Compare(other) < 0 }

// After reports whether d is strictly later than other.
func (d DayKey) After(other DayKey) bool { return d.Compare(other) > 0 }

// Equal reports whether d and other are the same calendar day.
func (d DayKey) Equal(other DayKey) bool { return d == other }

// IsConsecutive reports whether next is the day right after d.
func (d DayKey) IsConsecutive(next DayKey) bool {
	return !d.IsZero() && d.Next() == next
}

// DaysBetween returns the signed number of calendar days from a to b.
func DaysBetween(a, b DayKey) int {
	// Noon avoids any DST-free rounding surprises in UTC arithmetic.
	ta := time.Date(a.year, a.month, a.day, 12, 0, 0, 0, time.UTC)
	tb := time.Date(b.year, b.month, b.day, 12, 0, 0, 0, time.UTC)
	return int(tb.Sub(ta).Hours() / 24)
}

// MarshalText implements encoding.TextMarshaler.
func (d DayKey) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DayKey) UnmarshalText(b []byte) error {
	parsed, err := ParseDayKey(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
