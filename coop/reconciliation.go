package coop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RECONCILIATION ENGINE
// =============================================================================
//
// The engine turns persisted hours into bills. Every mutation runs inside
// WithTx and takes the parent row lock first, so two admins crediting the
// same family serialize. Reads assemble ledgers through AssembleLedger only.

type Engine struct {
	service
}

func NewEngine(d Deps) *Engine {
	return &Engine{service: newService(d, "reconciliation")}
}

// =============================================================================
// READS
// =============================================================================

// FamilySummary is one row of the billing summary.
type FamilySummary struct {
	ParentID     string               `json:"parent_id"`
	FirstName    string               `json:"first_name"`
	LastName     string               `json:"last_name"`
	Email        string               `json:"email"`
	StudentCount int                  `json:"student_count"`
	AcademicYear generic.AcademicYear `json:"academic_year"`
	HasOverride  bool                 `json:"has_override"`
	FamilyLedger
}

type BillingSummary struct {
	School          School               `json:"school"`
	AcademicYear    generic.AcademicYear `json:"academic_year"`
	DeadlinePassed  bool                 `json:"deadline_passed"`
	Families        []FamilySummary      `json:"families"`
	FamiliesShort   int                  `json:"families_short"`
	TotalHoursShort decimal.Decimal      `json:"total_hours_short"`
	TotalAmountDue  decimal.Decimal      `json:"total_amount_due"`
}

// BillingSummary computes the ledger of every family enrolled in year. A
// zero year means the school's current cycle.
func (e *Engine) BillingSummary(ctx context.Context, schoolID string, year generic.AcademicYear) (*BillingSummary, error) {
	school, err := e.store.GetSchool(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	year = e.yearOrCurrent(school, year)

	parents, err := e.store.ListParentsInYear(ctx, schoolID, year)
	if err != nil {
		return nil, fmt.Errorf("list parents: %w", err)
	}
	purchases, err := e.store.PurchaseHoursByParent(ctx, schoolID, year)
	if err != nil {
		return nil, fmt.Errorf("sum purchases: %w", err)
	}

	summary := &BillingSummary{
		School:          *school,
		AcademicYear:    year,
		DeadlinePassed:  school.Calendar().DeadlinePassed(year, e.clock.Now()),
		Families:        make([]FamilySummary, 0, len(parents)),
		TotalHoursShort: decimal.Zero,
		TotalAmountDue:  decimal.Zero,
	}
	for _, p := range parents {
		purchased, ok := purchases[p.ID]
		if !ok {
			purchased = decimal.Zero
		}
		ledger := AssembleLedger(*school, p, purchased)
		summary.Families = append(summary.Families, FamilySummary{
			ParentID:     p.ID,
			FirstName:    p.FirstName,
			LastName:     p.LastName,
			Email:        p.Email,
			StudentCount: p.StudentCount,
			AcademicYear: p.AcademicYear,
			HasOverride:  p.RequiredHoursOverride.Valid,
			FamilyLedger: ledger,
		})
		if ledger.HoursShort.IsPositive() {
			summary.FamiliesShort++
			summary.TotalHoursShort = summary.TotalHoursShort.Add(ledger.HoursShort)
			summary.TotalAmountDue = summary.TotalAmountDue.Add(ledger.AmountDue)
		}
	}
	return summary, nil
}

type FamilyDetail struct {
	Parent       Parent               `json:"parent"`
	AcademicYear generic.AcademicYear `json:"academic_year"`
	Ledger       FamilyLedger         `json:"ledger"`
	Purchases    []PurchaseCredit     `json:"purchases"`
	Adjustments  []HourAdjustment     `json:"adjustments"`
	Billing      *BillingRecord       `json:"billing,omitempty"`
}

// FamilyDetail returns one family's ledger with the entries behind it.
func (e *Engine) FamilyDetail(ctx context.Context, schoolID, parentID string, year generic.AcademicYear) (*FamilyDetail, error) {
	school, err := e.store.GetSchool(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	parent, err := e.store.GetParent(ctx, schoolID, parentID)
	if err != nil {
		return nil, err
	}
	year = e.yearOrCurrent(school, year)

	ledger, credits, err := ledgerFor(ctx, e.store, school, parent, year)
	if err != nil {
		return nil, fmt.Errorf("load purchases: %w", err)
	}
	adjustments, err := e.store.ListHourAdjustments(ctx, parent.ID, year)
	if err != nil {
		return nil, fmt.Errorf("load adjustments: %w", err)
	}
	billing, err := e.store.FindBillingRecord(ctx, parent.ID, year)
	if err != nil {
		return nil, fmt.Errorf("load billing: %w", err)
	}

	return &FamilyDetail{
		Parent:       *parent,
		AcademicYear: year,
		Ledger:       ledger,
		Purchases:    credits,
		Adjustments:  adjustments,
		Billing:      billing,
	}, nil
}

// =============================================================================
// PURCHASES AND ADJUSTMENTS
// =============================================================================

type PurchaseInput struct {
	SchoolID    string
	ParentID    string
	AmountSpent decimal.Decimal
	Description string
	ReceiptURL  string
	CreditedBy  string
}

func (in PurchaseInput) Validate() error {
	if in.ParentID == "" {
		return generic.Invalid("parent_id", "required")
	}
	if !in.AmountSpent.IsPositive() {
		return generic.Invalid("amount_spent", "must be greater than zero")
	}
	return nil
}

// RecordPurchase converts money into purchased hours for the current cycle.
// The volunteer total is left alone; purchases are summed at read time.
func (e *Engine) RecordPurchase(ctx context.Context, in PurchaseInput) (*PurchaseCredit, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var (
		credit *PurchaseCredit
		event  Event
	)
	err := e.store.WithTx(ctx, func(st Store) error {
		school, err := st.GetSchool(ctx, in.SchoolID)
		if err != nil {
			return err
		}
		parent, err := st.GetParent(ctx, in.SchoolID, in.ParentID)
		if err != nil {
			return err
		}
		if !school.BillingRatePerHour.IsPositive() {
			return generic.Invalid("billing_rate_per_hour", "school has no billing rate")
		}

		now := e.clock.Now()
		year := school.Calendar().AcademicYearFor(now)
		hours := PurchaseToHours(in.AmountSpent, school.BillingRatePerHour)
		description := in.Description
		if description == "" {
			description = fmt.Sprintf("Purchased %s hours for $%s", hours.StringFixed(1), generic.RoundMoney(in.AmountSpent).StringFixed(2))
		}

		credit = &PurchaseCredit{
			ID:            uuid.NewString(),
			ParentID:      parent.ID,
			SchoolID:      school.ID,
			AmountSpent:   generic.RoundMoney(in.AmountSpent),
			HoursCredited: hours,
			Description:   description,
			ReceiptURL:    in.ReceiptURL,
			AcademicYear:  year,
			CreditedBy:    in.CreditedBy,
			CreatedAt:     now,
		}
		if err := st.AddPurchaseCredit(ctx, credit); err != nil {
			return fmt.Errorf("insert purchase credit: %w", err)
		}
		if err := st.AddHourAdjustment(ctx, &HourAdjustment{
			ID:           uuid.NewString(),
			ParentID:     parent.ID,
			Type:         AdjustmentPurchaseCredit,
			Hours:        hours,
			Description:  description,
			AcademicYear: year,
			AdjustedBy:   in.CreditedBy,
			CreatedAt:    now,
		}); err != nil {
			return fmt.Errorf("insert purchase adjustment: %w", err)
		}

		ledger, _, err := ledgerFor(ctx, st, school, parent, year)
		if err != nil {
			return err
		}
		event = hoursChanged(*parent, ledger, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("purchase recorded", "parent", in.ParentID, "amount", credit.AmountSpent, "hours", credit.HoursCredited)
	e.publish(event)
	return credit, nil
}

type AdjustmentInput struct {
	SchoolID    string
	ParentID    string
	Type        AdjustmentType
	Hours       decimal.Decimal
	Description string
	AdjustedBy  string
}

func (in AdjustmentInput) Validate() error {
	if in.ParentID == "" {
		return generic.Invalid("parent_id", "required")
	}
	if !in.Type.Valid() {
		return generic.Invalid("adjustment_type", fmt.Sprintf("unknown type %q", in.Type))
	}
	switch in.Type {
	case AdjustmentManualCredit:
		if !in.Hours.IsPositive() {
			return generic.Invalid("hours", "must be greater than zero")
		}
	case AdjustmentManualDebit:
		if in.Hours.IsZero() {
			return generic.Invalid("hours", "must not be zero")
		}
	case AdjustmentRollover, AdjustmentPurchaseCredit:
		if in.Hours.IsNegative() {
			return generic.Invalid("hours", "must not be negative")
		}
	}
	return nil
}

// RecordAdjustment appends an audit entry and applies its side effect:
//
//	manual_credit    total += hours
//	manual_debit     total = max(0, total - |hours|)
//	rollover         rollover_hours = hours
//	purchase_credit  logged only
func (e *Engine) RecordAdjustment(ctx context.Context, in AdjustmentInput) (*HourAdjustment, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var (
		adjustment *HourAdjustment
		event      Event
	)
	err := e.store.WithTx(ctx, func(st Store) error {
		school, err := st.GetSchool(ctx, in.SchoolID)
		if err != nil {
			return err
		}
		parent, err := lockParent(ctx, st, in.SchoolID, in.ParentID)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		year := school.Calendar().AcademicYearFor(now)
		hours := generic.RoundHours(in.Hours)

		switch in.Type {
		case AdjustmentManualCredit:
			parent.TotalHoursCompleted = generic.RoundHours(parent.TotalHoursCompleted.Add(hours))
			err = st.SetParentHours(ctx, parent.ID, parent.TotalHoursCompleted)
		case AdjustmentManualDebit:
			parent.TotalHoursCompleted = generic.FloorZero(parent.TotalHoursCompleted.Sub(hours.Abs()))
			err = st.SetParentHours(ctx, parent.ID, parent.TotalHoursCompleted)
		case AdjustmentRollover:
			parent.RolloverHours = hours
			err = st.SetParentRollover(ctx, parent.ID, parent.RolloverHours)
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", in.Type, err)
		}

		adjustment = &HourAdjustment{
			ID:           uuid.NewString(),
			ParentID:     parent.ID,
			Type:         in.Type,
			Hours:        hours,
			Description:  in.Description,
			AcademicYear: year,
			AdjustedBy:   in.AdjustedBy,
			CreatedAt:    now,
		}
		if err := st.AddHourAdjustment(ctx, adjustment); err != nil {
			return fmt.Errorf("insert adjustment: %w", err)
		}

		ledger, _, err := ledgerFor(ctx, st, school, parent, year)
		if err != nil {
			return err
		}
		event = hoursChanged(*parent, ledger, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("adjustment recorded", "parent", in.ParentID, "type", in.Type, "hours", adjustment.Hours)
	if in.Type != AdjustmentPurchaseCredit {
		e.publish(event)
	}
	return adjustment, nil
}

// RequirementPatch updates only the fields that are present. A nil pointer
// leaves the column alone; ClearOverride removes the override.
type RequirementPatch struct {
	SchoolID              string
	ParentID              string
	StudentCount          *int
	RequiredHoursOverride *decimal.Decimal
	ClearOverride         bool
	RolloverHours         *decimal.Decimal
}

func (p RequirementPatch) Validate() error {
	if p.ParentID == "" {
		return generic.Invalid("parent_id", "required")
	}
	if p.StudentCount == nil && p.RequiredHoursOverride == nil && !p.ClearOverride && p.RolloverHours == nil {
		return generic.Invalid("", "no fields to update")
	}
	if p.StudentCount != nil && *p.StudentCount < 1 {
		return generic.Invalid("student_count", "must be at least 1")
	}
	if p.RequiredHoursOverride != nil {
		if p.ClearOverride {
			return generic.Invalid("required_hours_override", "cannot set and clear at once")
		}
		if p.RequiredHoursOverride.IsNegative() {
			return generic.Invalid("required_hours_override", "must not be negative")
		}
	}
	if p.RolloverHours != nil && p.RolloverHours.IsNegative() {
		return generic.Invalid("rollover_hours", "must not be negative")
	}
	return nil
}

// OverrideRequirement applies a partial update to the family's requirement inputs.
func (e *Engine) OverrideRequirement(ctx context.Context, patch RequirementPatch) (*Parent, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var updated *Parent
	err := e.store.WithTx(ctx, func(st Store) error {
		parent, err := lockParent(ctx, st, patch.SchoolID, patch.ParentID)
		if err != nil {
			return err
		}

		if patch.StudentCount != nil {
			parent.StudentCount = *patch.StudentCount
		}
		if patch.RequiredHoursOverride != nil {
			parent.RequiredHoursOverride = decimal.NewNullDecimal(generic.RoundHours(*patch.RequiredHoursOverride))
		}
		if patch.ClearOverride {
			parent.RequiredHoursOverride = decimal.NullDecimal{}
		}
		if patch.RolloverHours != nil {
			parent.RolloverHours = generic.RoundHours(*patch.RolloverHours)
		}

		if err := st.UpdateParentRequirement(ctx, parent); err != nil {
			return fmt.Errorf("update requirement: %w", err)
		}
		updated = parent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// BILLING
// =============================================================================

// GenerateBilling bills every family of year still short and returns how
// many records were created. Families that already have a record are left
// alone, so running it twice creates nothing the second time.
func (e *Engine) GenerateBilling(ctx context.Context, schoolID string, year generic.AcademicYear) (int, error) {
	school, err := e.store.GetSchool(ctx, schoolID)
	if err != nil {
		return 0, err
	}
	year = e.yearOrCurrent(school, year)

	parents, err := e.store.ListParentsInYear(ctx, schoolID, year)
	if err != nil {
		return 0, fmt.Errorf("list parents: %w", err)
	}

	created := 0
	for _, p := range parents {
		ok, err := e.billFamily(ctx, school, p.ID, year)
		if err != nil {
			e.logger.Error("billing failed", "parent", p.ID, "year", year, "err", err)
			return created, fmt.Errorf("bill parent %s: %w", p.ID, err)
		}
		if ok {
			created++
		}
	}

	e.logger.Info("billing generated", "school", schoolID, "year", year, "created", created)
	return created, nil
}

func (e *Engine) billFamily(ctx context.Context, school *School, parentID string, year generic.AcademicYear) (bool, error) {
	created := false
	err := e.store.WithTx(ctx, func(st Store) error {
		parent, err := st.GetParentForUpdate(ctx, parentID)
		if err != nil {
			return err
		}
		// The stored totals belong to the parent's current year only.
		if !parent.AcademicYear.Equal(year) {
			return nil
		}
		existing, err := st.FindBillingRecord(ctx, parent.ID, year)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		ledger, _, err := ledgerFor(ctx, st, school, parent, year)
		if err != nil {
			return err
		}
		if !ledger.HoursShort.IsPositive() {
			return nil
		}

		now := e.clock.Now()
		err = st.CreateBillingRecord(ctx, &BillingRecord{
			ID:           uuid.NewString(),
			ParentID:     parent.ID,
			SchoolID:     school.ID,
			AcademicYear: year,
			HoursShort:   ledger.HoursShort,
			RatePerHour:  ledger.Rate,
			AmountDue:    ledger.AmountDue,
			Status:       BillingPending,
			BilledDate:   generic.DateOf(now).String(),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if errors.Is(err, generic.ErrDuplicateBilling) {
		return false, nil
	}
	return created, err
}

// BillingRecords lists the bills issued for year.
func (e *Engine) BillingRecords(ctx context.Context, schoolID string, year generic.AcademicYear) ([]BillingRecord, error) {
	school, err := e.store.GetSchool(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	return e.store.ListBillingRecords(ctx, schoolID, e.yearOrCurrent(school, year))
}

// SetBillingStatus settles a pending bill as paid or waived.
func (e *Engine) SetBillingStatus(ctx context.Context, schoolID, recordID string, status BillingStatus, notes string) (*BillingRecord, error) {
	if status != BillingPaid && status != BillingWaived {
		return nil, generic.Invalid("status", "must be paid or waived")
	}

	var record *BillingRecord
	err := e.store.WithTx(ctx, func(st Store) error {
		r, err := st.GetBillingRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if r.SchoolID != schoolID {
			return generic.NotFound("billing record", recordID)
		}
		if r.Status != BillingPending {
			return fmt.Errorf("%w: billing record is %s", generic.ErrInvalidTransition, r.Status)
		}

		paidDate := ""
		if status == BillingPaid {
			paidDate = e.today()
		}
		if err := st.UpdateBillingStatus(ctx, r.ID, status, paidDate, notes); err != nil {
			return err
		}
		r.Status, r.PaidDate, r.Notes = status, paidDate, notes
		record = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// =============================================================================
// YEAR-END ROLLOVER
// =============================================================================

type RolloverFailure struct {
	ParentID string `json:"parent_id"`
	Error    string `json:"error"`
}

type RolloverResult struct {
	FromYear   generic.AcademicYear `json:"from_year"`
	ToYear     generic.AcademicYear `json:"to_year"`
	Processed  int                  `json:"processed"`
	RolledOver int                  `json:"rolled_over"`
	Skipped    int                  `json:"skipped"`
	Failures   []RolloverFailure    `json:"failures,omitempty"`
}

// YearEndRollover moves every family in fromYear to the next cycle, banking
// any surplus as rollover hours. Each family commits on its own; a family
// already advanced is skipped, so the run can be repeated after a failure.
func (e *Engine) YearEndRollover(ctx context.Context, schoolID string, fromYear generic.AcademicYear) (*RolloverResult, error) {
	school, err := e.store.GetSchool(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	if fromYear.IsZero() {
		fromYear = school.CurrentAcademicYear
	}
	fromYear = e.yearOrCurrent(school, fromYear)
	next := fromYear.Next()

	parents, err := e.store.ListParentsInYear(ctx, schoolID, fromYear)
	if err != nil {
		return nil, fmt.Errorf("list parents: %w", err)
	}

	result := &RolloverResult{FromYear: fromYear, ToYear: next}
	var events []Event
	for _, p := range parents {
		outcome, event, err := e.rollFamily(ctx, school, p.ID, fromYear)
		if err != nil {
			e.logger.Error("rollover failed", "parent", p.ID, "from", fromYear, "err", err)
			result.Failures = append(result.Failures, RolloverFailure{ParentID: p.ID, Error: err.Error()})
			continue
		}
		switch outcome {
		case rolloverSkipped:
			result.Skipped++
			continue
		case rolloverBanked:
			result.RolledOver++
		}
		result.Processed++
		events = append(events, event)
	}

	if len(result.Failures) == 0 {
		if _, err := e.store.AdvanceSchoolYear(ctx, school.ID, next); err != nil {
			return result, fmt.Errorf("advance school year: %w", err)
		}
	}

	e.logger.Info("rollover complete", "school", schoolID, "from", fromYear, "to", next,
		"processed", result.Processed, "rolled_over", result.RolledOver, "failures", len(result.Failures))
	e.publish(events...)
	return result, nil
}

type rolloverOutcome int

const (
	rolloverReset rolloverOutcome = iota
	rolloverBanked
	rolloverSkipped
)

func (e *Engine) rollFamily(ctx context.Context, school *School, parentID string, fromYear generic.AcademicYear) (rolloverOutcome, Event, error) {
	outcome := rolloverReset
	var event Event
	err := e.store.WithTx(ctx, func(st Store) error {
		parent, err := st.GetParentForUpdate(ctx, parentID)
		if err != nil {
			return err
		}
		if !parent.AcademicYear.Equal(fromYear) {
			outcome = rolloverSkipped
			return nil
		}

		ledger, _, err := ledgerFor(ctx, st, school, parent, fromYear)
		if err != nil {
			return err
		}
		next := fromYear.Next()
		banked := ledger.Banked

		if err := st.AdvanceParentYear(ctx, parent.ID, banked, next); err != nil {
			return err
		}
		now := e.clock.Now()
		if banked.IsPositive() {
			outcome = rolloverBanked
			if err := st.AddHourAdjustment(ctx, &HourAdjustment{
				ID:           uuid.NewString(),
				ParentID:     parent.ID,
				Type:         AdjustmentRollover,
				Hours:        banked,
				Description:  "Rollover from " + fromYear.String(),
				AcademicYear: next,
				CreatedAt:    now,
			}); err != nil {
				return err
			}
		}

		parent.RolloverHours = banked
		parent.TotalHoursCompleted = decimal.Zero
		parent.AcademicYear = next
		event = hoursChanged(*parent, AssembleLedger(*school, *parent, decimal.Zero), now)
		return nil
	})
	return outcome, event, err
}

// hoursChanged reports the family's credit toward the requirement for the CRM.
func hoursChanged(p Parent, ledger FamilyLedger, at time.Time) Event {
	e := parentEvent(EventHoursChanged, p, at)
	e.TotalHours = ledger.RunningTotal
	e.RequiredHours = ledger.Required
	return e
}
