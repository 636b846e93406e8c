/*
store.go - Persistence contract for the co-op engine

PURPOSE:
  Defines the interface between the domain logic and the database. The
  engine never issues SQL; it asks the Store for rows and for the few
  atomic primitives it cannot express as read-then-write.

KEY INTERFACES:
  Store:   Query-one / query-many / write primitives per table
  TxStore: Store plus WithTx for atomic multi-table sequences

LOCKING CONTRACT:
  Methods ending in ForUpdate take a row lock for the rest of the
  transaction (SELECT ... FOR UPDATE on postgres, the database write lock
  on sqlite). Outside WithTx they behave like the plain read.

ATOMIC PRIMITIVES:
  ReserveSlot is a compare-and-decrement: it succeeds only while
  slots_remaining > 0, so two callers racing for the last slot cannot both
  win even without the row lock.
  CreateBillingRecord and CreateSignup rely on unique indexes and translate
  violations to generic.ErrDuplicateBilling / generic.ErrAlreadySignedUp.

NOT FOUND:
  Get* returns a *generic.NotFoundError. Find* returns (nil, nil) when
  nothing matches.

IMPLEMENTATIONS:
  - store/sqlstore: sqlite (default) and postgres via sqlx

SEE ALSO:
  - reconciliation.go, signup.go: The only callers that mutate aggregates
*/
package coop

import (
	"context"

	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	SchoolStore
	ParentStore
	OpportunityStore
	SignupStore
	LedgerStore
	BillingStore
	SettingStore
}

type SchoolStore interface {
	CreateSchool(ctx context.Context, s *School) error
	GetSchool(ctx context.Context, id string) (*School, error)
	ListSchools(ctx context.Context) ([]School, error)
	UpdateSchool(ctx context.Context, s *School) error
	// AdvanceSchoolYear moves current_academic_year forward to year and
	// touches no other column. It reports false when the school is already
	// at or past year.
	AdvanceSchoolYear(ctx context.Context, id string, year generic.AcademicYear) (bool, error)
}

type ParentStore interface {
	// CreateParent returns generic.ErrDuplicateEmail when the email is taken
	// at the school.
	CreateParent(ctx context.Context, p *Parent) error

	// GetParent returns the parent only if it belongs to schoolID.
	GetParent(ctx context.Context, schoolID, id string) (*Parent, error)
	GetParentForUpdate(ctx context.Context, id string) (*Parent, error)
	FindParentByEmail(ctx context.Context, schoolID, email string) (*Parent, error)

	// ListParents orders by last name, then first name.
	ListParents(ctx context.Context, schoolID string) ([]Parent, error)
	ListParentsInYear(ctx context.Context, schoolID string, year generic.AcademicYear) ([]Parent, error)

	SetParentHours(ctx context.Context, id string, total decimal.Decimal) error
	SetParentRollover(ctx context.Context, id string, rollover decimal.Decimal) error
	UpdateParentRequirement(ctx context.Context, p *Parent) error
	AdvanceParentYear(ctx context.Context, id string, rollover decimal.Decimal, year generic.AcademicYear) error
	SetParentCRMContact(ctx context.Context, id, contactID string) error
}

// OpportunityFilter narrows ListOpportunities. Zero value lists everything.
type OpportunityFilter struct {
	Status   OpportunityStatus
	FromDate string // YYYY-MM-DD inclusive
}

type OpportunityStore interface {
	CreateOpportunity(ctx context.Context, o *Opportunity) error
	GetOpportunity(ctx context.Context, schoolID, id string) (*Opportunity, error)
	GetOpportunityForUpdate(ctx context.Context, id string) (*Opportunity, error)
	ListOpportunities(ctx context.Context, schoolID string, filter OpportunityFilter) ([]Opportunity, error)
	UpdateOpportunity(ctx context.Context, o *Opportunity) error
	DeleteOpportunity(ctx context.Context, id string) error

	// ReserveSlot decrements slots_remaining if it is positive and reports
	// whether a slot was taken.
	ReserveSlot(ctx context.Context, id string) (bool, error)

	// ReleaseSlot increments slots_remaining, never past total_slots.
	ReleaseSlot(ctx context.Context, id string) error
}

type SignupStore interface {
	CreateSignup(ctx context.Context, s *Signup) error
	GetSignup(ctx context.Context, id string) (*Signup, error)
	GetSignupForUpdate(ctx context.Context, id string) (*Signup, error)
	FindConfirmedSignup(ctx context.Context, opportunityID, parentID string) (*Signup, error)
	CountConfirmedSignups(ctx context.Context, opportunityID string) (int, error)
	ListSignupsForParent(ctx context.Context, parentID string) ([]Signup, error)
	ListSignupsForOpportunity(ctx context.Context, opportunityID string) ([]Signup, error)
	SetSignupStatus(ctx context.Context, id string, status SignupStatus) error
	SetSignupAttendance(ctx context.Context, id string, attended bool, hours decimal.Decimal) error

	// ListReminderDue returns confirmed signups not yet reminded whose
	// opportunity is active and takes place on eventDate.
	ListReminderDue(ctx context.Context, eventDate string) ([]Signup, error)
	MarkReminderSent(ctx context.Context, id string) error
}

type LedgerStore interface {
	AddPurchaseCredit(ctx context.Context, c *PurchaseCredit) error
	ListPurchaseCredits(ctx context.Context, parentID string, year generic.AcademicYear) ([]PurchaseCredit, error)

	// PurchaseHoursByParent sums purchase hours per parent of the school for the year.
	PurchaseHoursByParent(ctx context.Context, schoolID string, year generic.AcademicYear) (map[string]decimal.Decimal, error)

	AddHourAdjustment(ctx context.Context, a *HourAdjustment) error
	ListHourAdjustments(ctx context.Context, parentID string, year generic.AcademicYear) ([]HourAdjustment, error)
}

type BillingStore interface {
	CreateBillingRecord(ctx context.Context, r *BillingRecord) error
	GetBillingRecord(ctx context.Context, id string) (*BillingRecord, error)
	FindBillingRecord(ctx context.Context, parentID string, year generic.AcademicYear) (*BillingRecord, error)
	ListBillingRecords(ctx context.Context, schoolID string, year generic.AcademicYear) ([]BillingRecord, error)
	UpdateBillingStatus(ctx context.Context, id string, status BillingStatus, paidDate, notes string) error
}

type SettingStore interface {
	GetSetting(ctx context.Context, schoolID, key string) (*AdminSetting, error)
	ListSettings(ctx context.Context, schoolID string) ([]AdminSetting, error)
	PutSetting(ctx context.Context, s *AdminSetting) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
