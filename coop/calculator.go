package coop

import (
	"time"

	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// HOURS LEDGER CALCULATOR - Pure functions, no I/O
// =============================================================================
//
// Every input is hours or money as decimal.Decimal. Outputs are rounded to
// one decimal for hours and two for money. Nothing here reads a clock or a
// database; the engine feeds these from persisted state.

var hundred = decimal.NewFromInt(100)

// Milestones are the running-total thresholds that trigger a congratulation.
var Milestones = []int{5, 10, 15, 20}

// RequiredHours is min(studentCount x hoursPerStudent, maxFamilyHours).
// Callers guarantee studentCount >= 1.
func RequiredHours(studentCount int, hoursPerStudent, maxFamilyHours decimal.Decimal) decimal.Decimal {
	raw := decimal.NewFromInt(int64(studentCount)).Mul(hoursPerStudent)
	return generic.RoundHours(generic.MinDecimal(raw, maxFamilyHours))
}

// EffectiveRequired is max(0, required - rollover). The billing path adds
// rollover to the running total instead; this is for alternate reporting.
func EffectiveRequired(required, rollover decimal.Decimal) decimal.Decimal {
	return generic.RoundHours(generic.FloorZero(required.Sub(rollover)))
}

// RunningTotal is the credit earned toward the requirement.
func RunningTotal(volunteer, purchase, rollover decimal.Decimal) decimal.Decimal {
	return generic.RoundHours(volunteer.Add(purchase).Add(rollover))
}

// Balance is what a family still owes.
type Balance struct {
	HoursShort decimal.Decimal `json:"hours_short"`
	AmountDue  decimal.Decimal `json:"amount_due"`
}

// BalanceDue computes hoursShort = max(0, required - runningTotal) and
// amountDue = hoursShort x rate.
func BalanceDue(required, runningTotal, rate decimal.Decimal) Balance {
	short := generic.RoundHours(generic.FloorZero(required.Sub(runningTotal)))
	return Balance{
		HoursShort: short,
		AmountDue:  generic.RoundMoney(short.Mul(rate)),
	}
}

// BankedHours is the surplus eligible for rollover. At most one of
// BankedHours and BalanceDue(...).HoursShort is non-zero.
func BankedHours(required, runningTotal decimal.Decimal) decimal.Decimal {
	return generic.RoundHours(generic.FloorZero(runningTotal.Sub(required)))
}

// PurchaseToHours converts money spent into hours at rate, one decimal.
// A non-positive rate converts to zero hours.
func PurchaseToHours(amountSpent, rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return generic.RoundHours(amountSpent.Div(rate))
}

// ProrateHours scales the requirement for a family that joined after the
// cycle opened, by months remaining (enrollment month through deadline,
// inclusive) over months in the cycle.
func ProrateHours(fullRequirement decimal.Decimal, enrollment time.Time, cal generic.Calendar) decimal.Decimal {
	total := cal.CycleMonths()
	remaining := cal.MonthsRemaining(enrollment.Month())
	if total <= 0 || remaining >= total {
		return fullRequirement
	}
	share := decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(total)))
	return generic.RoundHours(fullRequirement.Mul(share))
}

// ProgressPercent is min(100, round(runningTotal / required x 100)).
// A requirement of zero or less counts as complete.
func ProgressPercent(runningTotal, required decimal.Decimal) int {
	if !required.IsPositive() {
		return 100
	}
	pct := runningTotal.Div(required).Mul(hundred).Round(0)
	if pct.GreaterThan(hundred) {
		return 100
	}
	if pct.IsNegative() {
		return 0
	}
	return int(pct.IntPart())
}

// CrossedMilestones returns the milestones m with prev < m <= next.
func CrossedMilestones(prev, next decimal.Decimal) []int {
	var crossed []int
	for _, m := range Milestones {
		mark := decimal.NewFromInt(int64(m))
		if prev.LessThan(mark) && next.GreaterThanOrEqual(mark) {
			crossed = append(crossed, m)
		}
	}
	return crossed
}
