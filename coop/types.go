/*
Package coop implements the Parent Co-op hours and billing engine.

PURPOSE:
  A school requires each family to contribute volunteer hours per academic
  year. Families earn credit three ways: attending volunteer opportunities,
  buying hours, and carrying surplus from last year. Whatever is still short
  after the billing deadline is billed at the school's hourly rate.

KEY CONCEPTS:
  - Running total = volunteer + purchased + rollover hours
  - Required hours = override when present, else min(students x per-student, cap)
  - Banked hours = surplus over the requirement, rolled into next year
  - Two hot aggregates: Parent.TotalHoursCompleted and Opportunity.SlotsRemaining.
    Only the StateMachine and the Engine in this package write them.

COMPONENTS:
  calculator.go:     Pure ledger arithmetic, no I/O
  ledger.go:         AssembleLedger, the one place the three sources are summed
  reconciliation.go: Billing summary, purchases, adjustments, billing, rollover
  signup.go:         Signup / cancel / attendance state machine
  opportunity.go:    Opportunity lifecycle, slot recomputation
  family.go:         Schools and parent registration
  events.go:         Post-commit domain events

SEE ALSO:
  - generic/period.go: Academic years and the co-op calendar
  - store/sqlstore: The relational gateway implementing Store
  - outbox: Delivers events to notifications and the CRM
*/
package coop

import (
	"time"

	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHOOL - Tenant root
// =============================================================================

type School struct {
	ID                     string               `db:"id" json:"id"`
	Name                   string               `db:"name" json:"name"`
	RequiredHoursPerYear   decimal.Decimal      `db:"required_hours_per_year" json:"required_hours_per_year"`
	HoursPerStudent        decimal.Decimal      `db:"hours_per_student" json:"hours_per_student"`
	MaxFamilyHours         decimal.Decimal      `db:"max_family_hours" json:"max_family_hours"`
	BillingRatePerHour     decimal.Decimal      `db:"billing_rate_per_hour" json:"billing_rate_per_hour"`
	AcademicYearStartMonth int                  `db:"academic_year_start_month" json:"academic_year_start_month"`
	BillingDeadlineMonth   int                  `db:"billing_deadline_month" json:"billing_deadline_month"`
	CurrentAcademicYear    generic.AcademicYear `db:"current_academic_year" json:"current_academic_year"`
	CRMLocationID          string               `db:"crm_location_id" json:"crm_location_id,omitempty"`
	CreatedAt              time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time            `db:"updated_at" json:"updated_at"`
}

// Calendar returns the school's co-op cycle.
func (s School) Calendar() generic.Calendar {
	return generic.Calendar{
		StartMonth:    time.Month(s.AcademicYearStartMonth),
		DeadlineMonth: time.Month(s.BillingDeadlineMonth),
	}
}

// DefaultSchool returns a school with the program defaults: 12 hours per
// student, 30 hours per family, $30 per hour, September through April.
func DefaultSchool(name string) School {
	return School{
		Name:                   name,
		RequiredHoursPerYear:   generic.Hours(30),
		HoursPerStudent:        generic.Hours(12),
		MaxFamilyHours:         generic.Hours(30),
		BillingRatePerHour:     generic.Money(30),
		AcademicYearStartMonth: int(generic.DefaultStartMonth),
		BillingDeadlineMonth:   int(generic.DefaultDeadlineMonth),
	}
}

// =============================================================================
// PARENT - One family
// =============================================================================

type Parent struct {
	ID                    string               `db:"id" json:"id"`
	SchoolID              string               `db:"school_id" json:"school_id"`
	Email                 string               `db:"email" json:"email"`
	FirstName             string               `db:"first_name" json:"first_name"`
	LastName              string               `db:"last_name" json:"last_name"`
	Phone                 string               `db:"phone" json:"phone,omitempty"`
	StudentNames          string               `db:"student_names" json:"student_names,omitempty"`
	StudentCount          int                  `db:"student_count" json:"student_count"`
	RequiredHoursOverride decimal.NullDecimal  `db:"required_hours_override" json:"required_hours_override"`
	RolloverHours         decimal.Decimal      `db:"rollover_hours" json:"rollover_hours"`
	AcademicYear          generic.AcademicYear `db:"academic_year" json:"academic_year"`
	TotalHoursCompleted   decimal.Decimal      `db:"total_hours_completed" json:"total_hours_completed"`
	EnrollmentDate        string               `db:"enrollment_date" json:"enrollment_date"`
	Prorated              bool                 `db:"prorated" json:"prorated"`
	CRMContactID          string               `db:"crm_contact_id" json:"crm_contact_id,omitempty"`
	CreatedAt             time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time            `db:"updated_at" json:"updated_at"`
}

func (p Parent) FullName() string { return p.FirstName + " " + p.LastName }

// =============================================================================
// OPPORTUNITY AND SIGNUP
// =============================================================================

type OpportunityStatus string

const (
	OpportunityActive   OpportunityStatus = "active"
	OpportunityInactive OpportunityStatus = "inactive"
)

// MinHoursCredit is the smallest credit an opportunity may award.
var MinHoursCredit = decimal.RequireFromString("0.5")

type Opportunity struct {
	ID             string            `db:"id" json:"id"`
	SchoolID       string            `db:"school_id" json:"school_id"`
	Title          string            `db:"title" json:"title"`
	Description    string            `db:"description" json:"description,omitempty"`
	Location       string            `db:"location" json:"location,omitempty"`
	EventDate      string            `db:"event_date" json:"event_date"`
	StartTime      string            `db:"start_time" json:"start_time"`
	EndTime        string            `db:"end_time" json:"end_time"`
	HoursCredit    decimal.Decimal   `db:"hours_credit" json:"hours_credit"`
	TotalSlots     int               `db:"total_slots" json:"total_slots"`
	SlotsRemaining int               `db:"slots_remaining" json:"slots_remaining"`
	Status         OpportunityStatus `db:"status" json:"status"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

type SignupStatus string

const (
	SignupConfirmed SignupStatus = "confirmed"
	SignupCancelled SignupStatus = "cancelled"
)

type Signup struct {
	ID            string          `db:"id" json:"id"`
	OpportunityID string          `db:"opportunity_id" json:"opportunity_id"`
	ParentID      string          `db:"parent_id" json:"parent_id"`
	Status        SignupStatus    `db:"status" json:"status"`
	Attended      bool            `db:"attended" json:"attended"`
	HoursCredited decimal.Decimal `db:"hours_credited" json:"hours_credited"`
	ReminderSent  bool            `db:"reminder_sent" json:"reminder_sent"`
	Notes         string          `db:"notes" json:"notes,omitempty"`
	SignupDate    time.Time       `db:"signup_date" json:"signup_date"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// =============================================================================
// LEDGER ENTRIES - Append-only
// =============================================================================

type PurchaseCredit struct {
	ID            string               `db:"id" json:"id"`
	ParentID      string               `db:"parent_id" json:"parent_id"`
	SchoolID      string               `db:"school_id" json:"school_id"`
	AmountSpent   decimal.Decimal      `db:"amount_spent" json:"amount_spent"`
	HoursCredited decimal.Decimal      `db:"hours_credited" json:"hours_credited"`
	Description   string               `db:"description" json:"description,omitempty"`
	ReceiptURL    string               `db:"receipt_url" json:"receipt_url,omitempty"`
	AcademicYear  generic.AcademicYear `db:"academic_year" json:"academic_year"`
	CreditedBy    string               `db:"credited_by" json:"credited_by,omitempty"`
	CreatedAt     time.Time            `db:"created_at" json:"created_at"`
}

type AdjustmentType string

const (
	AdjustmentRollover       AdjustmentType = "rollover"
	AdjustmentManualCredit   AdjustmentType = "manual_credit"
	AdjustmentManualDebit    AdjustmentType = "manual_debit"
	AdjustmentPurchaseCredit AdjustmentType = "purchase_credit"
)

func (t AdjustmentType) Valid() bool {
	switch t {
	case AdjustmentRollover, AdjustmentManualCredit, AdjustmentManualDebit, AdjustmentPurchaseCredit:
		return true
	}
	return false
}

type HourAdjustment struct {
	ID           string               `db:"id" json:"id"`
	ParentID     string               `db:"parent_id" json:"parent_id"`
	Type         AdjustmentType       `db:"adjustment_type" json:"adjustment_type"`
	Hours        decimal.Decimal      `db:"hours" json:"hours"`
	Description  string               `db:"description" json:"description,omitempty"`
	AcademicYear generic.AcademicYear `db:"academic_year" json:"academic_year"`
	AdjustedBy   string               `db:"adjusted_by" json:"adjusted_by,omitempty"`
	CreatedAt    time.Time            `db:"created_at" json:"created_at"`
}

// =============================================================================
// BILLING
// =============================================================================

type BillingStatus string

const (
	BillingPending BillingStatus = "pending"
	BillingPaid    BillingStatus = "paid"
	BillingWaived  BillingStatus = "waived"
)

type BillingRecord struct {
	ID           string               `db:"id" json:"id"`
	ParentID     string               `db:"parent_id" json:"parent_id"`
	SchoolID     string               `db:"school_id" json:"school_id"`
	AcademicYear generic.AcademicYear `db:"academic_year" json:"academic_year"`
	HoursShort   decimal.Decimal      `db:"hours_short" json:"hours_short"`
	RatePerHour  decimal.Decimal      `db:"rate_per_hour" json:"rate_per_hour"`
	AmountDue    decimal.Decimal      `db:"amount_due" json:"amount_due"`
	Status       BillingStatus        `db:"status" json:"status"`
	BilledDate   string               `db:"billed_date" json:"billed_date"`
	PaidDate     string               `db:"paid_date" json:"paid_date,omitempty"`
	Notes        string               `db:"notes" json:"notes,omitempty"`
	CreatedAt    time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time            `db:"updated_at" json:"updated_at"`
}

// AdminSetting is a free-form key/value pair scoped to a school.
type AdminSetting struct {
	SchoolID  string    `db:"school_id" json:"school_id"`
	Key       string    `db:"setting_key" json:"key"`
	Value     string    `db:"setting_value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
