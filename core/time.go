package core

import (
	"time"
)

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

// Clock returns the current instant. Components default to time.Now;
// tests pin it to cross day boundaries.
type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// FixedClock always returns t.
func FixedClock(t time.Time) Clock { return func() time.Time { return t } }

// =============================================================================
// CALENDAR DAYS - Evaluated in the business timezone
// =============================================================================

// DefaultLocation is the business timezone used when none is configured.
var DefaultLocation = mustLoad("Africa/Kampala", 3*60*60)

func mustLoad(name string, offset int) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("EAT", offset)
	}
	return loc
}

func orDefault(loc *time.Location) *time.Location {
	if loc == nil {
		return DefaultLocation
	}
	return loc
}

// DayBounds returns [start, end) of the calendar day containing t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(orDefault(loc))
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	return start, start.AddDate(0, 0, 1)
}

// DayKey is the YYYYMMDD form of t's calendar day in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(orDefault(loc)).Format("20060102")
}

// EndOfDay is the last representable instant of t's calendar day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	_, end := DayBounds(t, loc)
	return end.Add(-time.Nanosecond)
}
