// Package clock supplies the facility's notion of "now" and of the
// calendar day. Every day-scoped record (pins, queues) is keyed by the
// day key produced here so that all components agree on when a day
// starts and ends in the facility's timezone.
package clock

import (
	"sync"
	"time"
)

// DayLayout is the format of a day key, e.g. "2026-10-16".
const DayLayout = "2006-01-02"

// Clock is the collaborator injected into every engine.
type Clock interface {
	Now() time.Time
	DayKey(t time.Time) string
	EndOfDay(dayKey string) (time.Time, error)
}

// Calendar is the production Clock. It reads time from a source
// function and interprets it in a fixed location.
type Calendar struct {
	loc *time.Location   // facility timezone
	now func() time.Time // time source, time.Now in production
}

// New returns a Calendar for loc. A nil source defaults to time.Now and
// a nil location to UTC.
func New(loc *time.Location, source func() time.Time) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if source == nil {
		source = time.Now
	}
	return &Calendar{loc: loc, now: source}
}

// Now returns the current instant in the facility timezone.
func (c *Calendar) Now() time.Time { return c.now().In(c.loc) }

// Location returns the facility timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// DayKey maps an instant to the calendar day it falls on.
func (c *Calendar) DayKey(t time.Time) string { return t.In(c.loc).Format(DayLayout) }

// Today is shorthand for DayKey(Now()).
func (c *Calendar) Today() string { return c.DayKey(c.Now()) }

// EndOfDay returns the first instant of the following day. Records
// scoped to dayKey are valid strictly before that instant.
func (c *Calendar) EndOfDay(dayKey string) (time.Time, error) {
	d, err := time.ParseInLocation(DayLayout, dayKey, c.loc)
	if err != nil {
		return time.Time{}, err
	}
	return d.AddDate(0, 0, 1), nil
}

// ValidDayKey reports whether s is a well formed day key.
func ValidDayKey(s string) bool {
	_, err := time.Parse(DayLayout, s)
	return err == nil
}

// Manual is a settable time source used by tests and by the CLI when a
// specific day is requested.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

// NewManual starts a Manual source at t.
func NewManual(t time.Time) *Manual { return &Manual{t: t} }

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Set moves the source to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
}

// Advance moves the source forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}
