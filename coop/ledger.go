package coop

import (
	"github.com/shopspring/decimal"
)

// FamilyLedger is one family's standing for one academic year.
type FamilyLedger struct {
	Required     decimal.Decimal `json:"required_hours"`
	Volunteer    decimal.Decimal `json:"volunteer_hours"`
	Purchase     decimal.Decimal `json:"purchase_hours"`
	Rollover     decimal.Decimal `json:"rollover_hours"`
	RunningTotal decimal.Decimal `json:"running_total"`
	HoursShort   decimal.Decimal `json:"hours_short"`
	AmountDue    decimal.Decimal `json:"amount_due"`
	Banked       decimal.Decimal `json:"banked_hours"`
	ProgressPct  int             `json:"progress_pct"`
	Rate         decimal.Decimal `json:"rate_per_hour"`
}

// RequiredFor returns the family's requirement: the override when one is
// set (zero included), otherwise the per-student formula.
func RequiredFor(school School, parent Parent) decimal.Decimal {
	if parent.RequiredHoursOverride.Valid {
		return parent.RequiredHoursOverride.Decimal
	}
	return RequiredHours(parent.StudentCount, school.HoursPerStudent, school.MaxFamilyHours)
}

// AssembleLedger is the only place volunteer, purchased and rollover hours
// are combined. purchaseHours must be the family's purchase credits for the
// year being reported.
func AssembleLedger(school School, parent Parent, purchaseHours decimal.Decimal) FamilyLedger {
	required := RequiredFor(school, parent)
	running := RunningTotal(parent.TotalHoursCompleted, purchaseHours, parent.RolloverHours)
	balance := BalanceDue(required, running, school.BillingRatePerHour)

	return FamilyLedger{
		Required:     required,
		Volunteer:    parent.TotalHoursCompleted,
		Purchase:     purchaseHours,
		Rollover:     parent.RolloverHours,
		RunningTotal: running,
		HoursShort:   balance.HoursShort,
		AmountDue:    balance.AmountDue,
		Banked:       BankedHours(required, running),
		ProgressPct:  ProgressPercent(running, required),
		Rate:         school.BillingRatePerHour,
	}
}
