package timeutil

import (
	"sync"
	"time"
)

// Clock abstracts the current instant so day boundaries can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a settable clock for tests and replays.
type FixedClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFixedClock returns a FixedClock frozen at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

// Now returns the frozen instant.
func (c *FixedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Policy decides which time zone defines a calendar day.
type Policy struct {
	Location *time.Location
}

// UTCPolicy is the default policy.
func UTCPolicy() Policy {
	return Policy{Location: time.UTC}
}

// LoadPolicy resolves an IANA zone name, falling back to UTC when it is unknown.
func LoadPolicy(name string) Policy {
	if name == "" {
		return UTCPolicy()
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return UTCPolicy()
	}
	return Policy{Location: loc}
}

// DayKey converts t under this policy.
func (p Policy) DayKey(t time.Time) DayKey {
	return DayKeyOf(t, p.Location)
}

// Today returns the current day according to clock.
func (p Policy) Today(clock Clock) DayKey {
	if clock == nil {
		clock = SystemClock{}
	}
	return p.DayKey(clock.Now())
}

// NextMidnight returns the first instant of the day after t under this policy.
func (p Policy) NextMidnight(t time.Time) time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	return p.DayKey(t).Next().Time(loc)
}
