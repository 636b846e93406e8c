package generic

import (
	"time"
)

// =============================================================================
// TIME POINT - Day-granularity dates (event dates, enrollment, billed date)
// =============================================================================

// DateLayout is the storage and wire format of a TimePoint.
const DateLayout = "2006-01-02"

// TimePoint is a calendar date in UTC. The co-op only reasons about days:
// events happen on a date, bills are issued on a date.
type TimePoint struct {
	Time time.Time
}

func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in t's own location.
func DateOf(t time.Time) TimePoint {
	return NewTimePoint(t.Year(), t.Month(), t.Day())
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (TimePoint, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return TimePoint{}, Invalid("date", "expected YYYY-MM-DD, got "+s)
	}
	return TimePoint{Time: t}, nil
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.Time.Before(other.Time) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.Time.Equal(other.Time) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.Time.After(other.Time) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return !tp.After(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return !tp.Before(other) }

func (tp TimePoint) AddDays(n int) TimePoint { return TimePoint{Time: tp.Time.AddDate(0, 0, n)} }

// Properties
func (tp TimePoint) Year() int         { return tp.Time.Year() }
func (tp TimePoint) Month() time.Month { return tp.Time.Month() }
func (tp TimePoint) Day() int          { return tp.Time.Day() }
func (tp TimePoint) IsZero() bool      { return tp.Time.IsZero() }

func (tp TimePoint) String() string {
	if tp.IsZero() {
		return ""
	}
	return tp.Time.Format(DateLayout)
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock supplies "now". Engines take one so tests can pin the date.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant.
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }

// =============================================================================
// TIME UTILITIES
// =============================================================================

func StartOfMonth(year int, month time.Month) TimePoint { return NewTimePoint(year, month, 1) }
func EndOfMonth(year int, month time.Month) TimePoint {
	return TimePoint{Time: time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)}
}
