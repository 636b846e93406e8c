package generic

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - A closed date range
// =============================================================================

// Period is the closed date range [Start, End].
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// ACADEMIC YEAR - "YYYY-YYYY" labels as a value type
// =============================================================================

// AcademicYear identifies one co-op cycle by the calendar year it starts in.
// Its persisted and wire form is the label "2025-2026".
type AcademicYear struct {
	Start int
}

// ParseAcademicYear parses "YYYY-YYYY". The second year must follow the first.
func ParseAcademicYear(label string) (AcademicYear, error) {
	first, second, ok := strings.Cut(strings.TrimSpace(label), "-")
	if !ok || len(first) != 4 || len(second) != 4 {
		return AcademicYear{}, Invalid("academic_year", fmt.Sprintf("expected YYYY-YYYY, got %q", label))
	}
	start, err := strconv.Atoi(first)
	if err != nil {
		return AcademicYear{}, Invalid("academic_year", fmt.Sprintf("expected YYYY-YYYY, got %q", label))
	}
	end, err := strconv.Atoi(second)
	if err != nil {
		return AcademicYear{}, Invalid("academic_year", fmt.Sprintf("expected YYYY-YYYY, got %q", label))
	}
	if end != start+1 {
		return AcademicYear{}, Invalid("academic_year", fmt.Sprintf("%q does not span consecutive years", label))
	}
	return AcademicYear{Start: start}, nil
}

// MustAcademicYear is ParseAcademicYear for literals; it panics on bad input.
func MustAcademicYear(label string) AcademicYear {
	y, err := ParseAcademicYear(label)
	if err != nil {
		panic(err)
	}
	return y
}

func (y AcademicYear) String() string {
	if y.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%04d", y.Start, y.Start+1)
}

func (y AcademicYear) IsZero() bool              { return y.Start == 0 }
func (y AcademicYear) Next() AcademicYear        { return AcademicYear{Start: y.Start + 1} }
func (y AcademicYear) Previous() AcademicYear    { return AcademicYear{Start: y.Start - 1} }
func (y AcademicYear) Equal(o AcademicYear) bool { return y.Start == o.Start }

func (y AcademicYear) MarshalText() ([]byte, error) { return []byte(y.String()), nil }

func (y *AcademicYear) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*y = AcademicYear{}
		return nil
	}
	parsed, err := ParseAcademicYear(string(b))
	if err != nil {
		return err
	}
	*y = parsed
	return nil
}

// Value stores the label. An empty year is stored as ''.
func (y AcademicYear) Value() (driver.Value, error) { return y.String(), nil }

func (y *AcademicYear) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*y = AcademicYear{}
		return nil
	case string:
		return y.UnmarshalText([]byte(v))
	case []byte:
		return y.UnmarshalText(v)
	default:
		return fmt.Errorf("academic year: cannot scan %T", src)
	}
}

// =============================================================================
// LABEL HELPERS
// =============================================================================

// CurrentAcademicYear labels the cycle containing today for a cycle starting
// in startMonth: {y}-{y+1} from startMonth on, {y-1}-{y} before it.
func CurrentAcademicYear(today time.Time, startMonth time.Month) string {
	return academicYearFor(today, startMonth).String()
}

// IsPastBillingDeadline reports whether today's month is after deadlineMonth.
// It compares months only; Calendar.DeadlinePassed is the year-aware check.
func IsPastBillingDeadline(today time.Time, deadlineMonth time.Month) bool {
	return today.Month() > deadlineMonth
}

// NextAcademicYear increments both years of a label.
func NextAcademicYear(label string) (string, error) {
	y, err := ParseAcademicYear(label)
	if err != nil {
		return "", err
	}
	return y.Next().String(), nil
}

func academicYearFor(t time.Time, startMonth time.Month) AcademicYear {
	if t.Month() >= startMonth {
		return AcademicYear{Start: t.Year()}
	}
	return AcademicYear{Start: t.Year() - 1}
}

// =============================================================================
// CALENDAR - A school's cycle boundaries
// =============================================================================

const (
	DefaultStartMonth    = time.September
	DefaultDeadlineMonth = time.April
)

// Calendar describes a co-op cycle: it opens on the first day of StartMonth
// and bills after the last day of DeadlineMonth, wrapping the calendar year
// when DeadlineMonth < StartMonth.
type Calendar struct {
	StartMonth    time.Month
	DeadlineMonth time.Month
}

// DefaultCalendar is the September through April cycle.
func DefaultCalendar() Calendar {
	return Calendar{StartMonth: DefaultStartMonth, DeadlineMonth: DefaultDeadlineMonth}
}

func (c Calendar) Validate() error {
	if c.StartMonth < time.January || c.StartMonth > time.December {
		return Invalid("academic_year_start_month", "must be between 1 and 12")
	}
	if c.DeadlineMonth < time.January || c.DeadlineMonth > time.December {
		return Invalid("billing_deadline_month", "must be between 1 and 12")
	}
	return nil
}

func (c Calendar) wraps() bool { return c.DeadlineMonth < c.StartMonth }

// AcademicYearFor returns the cycle label in effect on t.
func (c Calendar) AcademicYearFor(t time.Time) AcademicYear {
	return academicYearFor(t, c.StartMonth)
}

// Cycle returns the billable window of the year.
func (c Calendar) Cycle(year AcademicYear) Period {
	endYear := year.Start
	if c.wraps() {
		endYear++
	}
	return Period{
		Start: StartOfMonth(year.Start, c.StartMonth),
		End:   EndOfMonth(endYear, c.DeadlineMonth),
	}
}

// CycleMonths counts the months from StartMonth through DeadlineMonth inclusive.
func (c Calendar) CycleMonths() int {
	if c.wraps() {
		return int(12-c.StartMonth+1) + int(c.DeadlineMonth)
	}
	return int(c.DeadlineMonth-c.StartMonth) + 1
}

// MonthsRemaining counts the cycle months from month through the deadline
// inclusive. A month outside the cycle has none left.
func (c Calendar) MonthsRemaining(month time.Month) int {
	if c.wraps() {
		switch {
		case month <= c.DeadlineMonth:
			return int(c.DeadlineMonth-month) + 1
		case month >= c.StartMonth:
			return int(12-month+1) + int(c.DeadlineMonth)
		default:
			return 0
		}
	}
	switch {
	case month < c.StartMonth:
		return c.CycleMonths()
	case month <= c.DeadlineMonth:
		return int(c.DeadlineMonth-month) + 1
	default:
		return 0
	}
}

// DeadlinePassed reports whether t falls after the last day of the year's cycle.
func (c Calendar) DeadlinePassed(year AcademicYear, t time.Time) bool {
	return DateOf(t).After(c.Cycle(year).End)
}
