package generic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

// =============================================================================
// ACADEMIC YEAR LABELS
// =============================================================================

func TestCurrentAcademicYear(t *testing.T) {
	tests := []struct {
		name  string
		today time.Time
		start time.Month
		want  string
	}{
		{"on start month", date(2025, time.September, 1), time.September, "2025-2026"},
		{"after start month", date(2025, time.December, 31), time.September, "2025-2026"},
		{"before start month", date(2026, time.March, 15), time.September, "2025-2026"},
		{"month before start", date(2026, time.August, 31), time.September, "2025-2026"},
		{"january start", date(2026, time.January, 1), time.January, "2026-2027"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, generic.CurrentAcademicYear(tt.today, tt.start))
		})
	}
}

func TestIsPastBillingDeadline(t *testing.T) {
	assert.False(t, generic.IsPastBillingDeadline(date(2026, time.April, 30), time.April))
	assert.True(t, generic.IsPastBillingDeadline(date(2026, time.May, 1), time.April))
	assert.False(t, generic.IsPastBillingDeadline(date(2026, time.January, 5), time.April))
}

func TestNextAcademicYear(t *testing.T) {
	next, err := generic.NextAcademicYear("2025-2026")
	require.NoError(t, err)
	assert.Equal(t, "2026-2027", next)

	next, err = generic.NextAcademicYear("1999-2000")
	require.NoError(t, err)
	assert.Equal(t, "2000-2001", next)
}

func TestParseAcademicYear_Rejects(t *testing.T) {
	for _, label := range []string{"", "2025", "2025-2027", "25-26", "abcd-efgh", "2025/2026"} {
		t.Run(label, func(t *testing.T) {
			_, err := generic.ParseAcademicYear(label)
			require.Error(t, err)
			assert.True(t, generic.IsValidation(err))
		})
	}
}

func TestAcademicYear_TextRoundTrip(t *testing.T) {
	y := generic.MustAcademicYear("2025-2026")

	b, err := y.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2025-2026", string(b))

	var back generic.AcademicYear
	require.NoError(t, back.UnmarshalText(b))
	assert.True(t, y.Equal(back))
	assert.Equal(t, "2024-2025", y.Previous().String())
}

func TestAcademicYear_Scan(t *testing.T) {
	var y generic.AcademicYear
	require.NoError(t, y.Scan([]byte("2030-2031")))
	assert.Equal(t, 2030, y.Start)

	require.NoError(t, y.Scan(nil))
	assert.True(t, y.IsZero())
	assert.Error(t, y.Scan(42))
}

// =============================================================================
// CALENDAR
// =============================================================================

func TestCalendar_Cycle_WrapsYear(t *testing.T) {
	cal := generic.DefaultCalendar()
	cycle := cal.Cycle(generic.MustAcademicYear("2025-2026"))

	assert.Equal(t, "2025-09-01", cycle.Start.String())
	assert.Equal(t, "2026-04-30", cycle.End.String())
	assert.Equal(t, 8, cal.CycleMonths())
}

func TestCalendar_Cycle_SameYear(t *testing.T) {
	cal := generic.Calendar{StartMonth: time.January, DeadlineMonth: time.June}
	cycle := cal.Cycle(generic.MustAcademicYear("2026-2027"))

	assert.Equal(t, "2026-01-01", cycle.Start.String())
	assert.Equal(t, "2026-06-30", cycle.End.String())
	assert.Equal(t, 6, cal.CycleMonths())
}

func TestCalendar_MonthsRemaining(t *testing.T) {
	cal := generic.DefaultCalendar()

	assert.Equal(t, 8, cal.MonthsRemaining(time.September))
	assert.Equal(t, 6, cal.MonthsRemaining(time.November))
	assert.Equal(t, 4, cal.MonthsRemaining(time.January))
	assert.Equal(t, 1, cal.MonthsRemaining(time.April))
	assert.Equal(t, 0, cal.MonthsRemaining(time.June))
}

func TestCalendar_DeadlinePassed(t *testing.T) {
	cal := generic.DefaultCalendar()
	year := generic.MustAcademicYear("2025-2026")

	assert.False(t, cal.DeadlinePassed(year, date(2026, time.April, 30)))
	assert.True(t, cal.DeadlinePassed(year, date(2026, time.May, 1)))
	// December is after April by month number but still inside the cycle.
	assert.False(t, cal.DeadlinePassed(year, date(2025, time.December, 1)))
}

func TestCalendar_Validate(t *testing.T) {
	assert.NoError(t, generic.DefaultCalendar().Validate())
	assert.Error(t, generic.Calendar{StartMonth: 13, DeadlineMonth: 4}.Validate())
	assert.Error(t, generic.Calendar{StartMonth: 9, DeadlineMonth: 0}.Validate())
}

// =============================================================================
// DECIMALS AND ERRORS
// =============================================================================

func TestRounding(t *testing.T) {
	third := decimal.NewFromInt(100).Div(decimal.NewFromInt(30))
	assert.Equal(t, "3.3", generic.RoundHours(third).String())
	assert.Equal(t, "3.33", generic.RoundMoney(third).String())
	assert.True(t, generic.Hours(2.25).Equal(decimal.RequireFromString("2.3")))
	assert.True(t, generic.FloorZero(decimal.NewFromInt(-4)).IsZero())
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(generic.ErrNoSlots, generic.ErrConflict))
	assert.True(t, generic.IsConflict(generic.ErrDuplicateBilling))
	assert.True(t, generic.IsNotFound(generic.NotFound("signup", "s-1")))
	assert.True(t, generic.IsValidation(generic.Invalid("amount", "must be positive")))
	assert.False(t, generic.IsClientError(errors.New("disk full")))

	var nf *generic.NotFoundError
	require.ErrorAs(t, generic.NotFound("parent", "p-9"), &nf)
	assert.Equal(t, "parent", nf.Entity)
	assert.Equal(t, "parent not found: p-9", nf.Error())
}

func TestParseDate(t *testing.T) {
	d, err := generic.ParseDate("2026-02-14")
	require.NoError(t, err)
	assert.Equal(t, time.February, d.Month())

	_, err = generic.ParseDate("14/02/2026")
	assert.True(t, generic.IsValidation(err))
}
