package coop_test

import (
	"context"
	"testing"

	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/parentcoop/hours-engine/store/sqlstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// BILLING SUMMARY
// =============================================================================

func TestBillingSummary_TotalsShortFamilies(t *testing.T) {
	// GIVEN: One family with 2 students (24 required) and 10 hours,
	// and one family with 1 student (12 required) and 12 hours
	f := newTestFixture(t)
	short := f.parent(t, "short@example.com", 2)
	done := f.parent(t, "done@example.com", 1)
	f.credit(t, short.ID, 10)
	f.credit(t, done.ID, 12)

	// WHEN: Summarizing the current year
	summary, err := f.engine.BillingSummary(f.ctx, f.school.ID, generic.AcademicYear{})
	require.NoError(t, err)

	// THEN: Only the first family owes, 14 hours at $30
	assert.Equal(t, y25, summary.AcademicYear)
	assert.False(t, summary.DeadlinePassed)
	require.Len(t, summary.Families, 2)
	assert.Equal(t, 1, summary.FamiliesShort)
	assertDecimal(t, "14", summary.TotalHoursShort)
	assertDecimal(t, "420", summary.TotalAmountDue)
}

func TestBillingSummary_UnknownSchool(t *testing.T) {
	f := newTestFixture(t)
	_, err := f.engine.BillingSummary(f.ctx, "missing", generic.AcademicYear{})
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// PURCHASES
// =============================================================================

func TestRecordPurchase_ConvertsAtSchoolRate(t *testing.T) {
	// GIVEN: A family and the default $30 rate
	f := newTestFixture(t)
	p := f.parent(t, "buyer@example.com", 1)
	f.events.reset()

	// WHEN: Spending $100
	credit, err := f.engine.RecordPurchase(f.ctx, coop.PurchaseInput{
		SchoolID:    f.school.ID,
		ParentID:    p.ID,
		AmountSpent: generic.Money(100),
	})
	require.NoError(t, err)

	// THEN: 3.3 hours are credited to the current year
	assertDecimal(t, "3.3", credit.HoursCredited)
	assert.Equal(t, y25, credit.AcademicYear)

	// AND: The volunteer total is untouched; the ledger picks the purchase up
	assert.True(t, f.reload(t, p.ID).TotalHoursCompleted.IsZero())
	detail, err := f.engine.FamilyDetail(f.ctx, f.school.ID, p.ID, generic.AcademicYear{})
	require.NoError(t, err)
	assertDecimal(t, "3.3", detail.Ledger.Purchase)
	assertDecimal(t, "3.3", detail.Ledger.RunningTotal)
	require.Len(t, detail.Purchases, 1)
	require.Len(t, detail.Adjustments, 1)
	assert.Equal(t, coop.AdjustmentPurchaseCredit, detail.Adjustments[0].Type)

	// AND: The CRM sees the new running total
	changed := f.events.ofKind(coop.EventHoursChanged)
	require.Len(t, changed, 1)
	assertDecimal(t, "3.3", changed[0].TotalHours)
}

func TestRecordPurchase_RejectsNonPositiveAmount(t *testing.T) {
	f := newTestFixture(t)
	p := f.parent(t, "buyer@example.com", 1)

	for _, amount := range []decimal.Decimal{decimal.Zero, generic.Money(-5)} {
		_, err := f.engine.RecordPurchase(f.ctx, coop.PurchaseInput{
			SchoolID: f.school.ID, ParentID: p.ID, AmountSpent: amount,
		})
		assert.True(t, generic.IsValidation(err), "amount %s", amount)
	}
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestRecordAdjustment_SideEffects(t *testing.T) {
	f := newTestFixture(t)
	p := f.parent(t, "adj@example.com", 1)

	adjust := func(kind coop.AdjustmentType, hours float64) {
		t.Helper()
		_, err := f.engine.RecordAdjustment(f.ctx, coop.AdjustmentInput{
			SchoolID: f.school.ID, ParentID: p.ID, Type: kind, Hours: generic.Hours(hours),
		})
		require.NoError(t, err)
	}

	// credit adds to the volunteer total
	adjust(coop.AdjustmentManualCredit, 4)
	assertDecimal(t, "4", f.reload(t, p.ID).TotalHoursCompleted)

	// debit subtracts the magnitude, whatever the sign
	adjust(coop.AdjustmentManualDebit, -1.5)
	assertDecimal(t, "2.5", f.reload(t, p.ID).TotalHoursCompleted)

	// and never goes below zero
	adjust(coop.AdjustmentManualDebit, 10)
	assert.True(t, f.reload(t, p.ID).TotalHoursCompleted.IsZero())

	// rollover sets the absolute value
	adjust(coop.AdjustmentRollover, 6)
	adjust(coop.AdjustmentRollover, 2)
	assertDecimal(t, "2", f.reload(t, p.ID).RolloverHours)

	// purchase_credit is logged only
	adjust(coop.AdjustmentPurchaseCredit, 9)
	got := f.reload(t, p.ID)
	assert.True(t, got.TotalHoursCompleted.IsZero())
	assertDecimal(t, "2", got.RolloverHours)

	detail, err := f.engine.FamilyDetail(f.ctx, f.school.ID, p.ID, y25)
	require.NoError(t, err)
	assert.Len(t, detail.Adjustments, 6)
}

func TestRecordAdjustment_Validation(t *testing.T) {
	f := newTestFixture(t)
	p := f.parent(t, "adj@example.com", 1)

	tests := []struct {
		name  string
		kind  coop.AdjustmentType
		hours float64
	}{
		{"unknown type", "bonus", 1},
		{"zero credit", coop.AdjustmentManualCredit, 0},
		{"negative credit", coop.AdjustmentManualCredit, -2},
		{"zero debit", coop.AdjustmentManualDebit, 0},
		{"negative rollover", coop.AdjustmentRollover, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.RecordAdjustment(f.ctx, coop.AdjustmentInput{
				SchoolID: f.school.ID, ParentID: p.ID, Type: tt.kind, Hours: generic.Hours(tt.hours),
			})
			assert.True(t, generic.IsValidation(err))
		})
	}
}

func TestRecordAdjustment_ParentOfAnotherSchool(t *testing.T) {
	f := newTestFixture(t)
	p := f.parent(t, "adj@example.com", 1)
	other, err := f.dir.CreateSchool(f.ctx, "Oak Co-op", coop.SchoolSettings{})
	require.NoError(t, err)

	_, err = f.engine.RecordAdjustment(f.ctx, coop.AdjustmentInput{
		SchoolID: other.ID, ParentID: p.ID, Type: coop.AdjustmentManualCredit, Hours: generic.Hours(1),
	})
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// REQUIREMENT OVERRIDES
// =============================================================================

func TestOverrideRequirement_PartialUpdate(t *testing.T) {
	f := newTestFixture(t)
	p := f.parent(t, "o@example.com", 1)

	// WHEN: Setting an override of zero
	zero := decimal.Zero
	updated, err := f.engine.OverrideRequirement(f.ctx, coop.RequirementPatch{
		SchoolID: f.school.ID, ParentID: p.ID, RequiredHoursOverride: &zero,
	})
	require.NoError(t, err)

	// THEN: Zero is a real requirement and the family owes nothing
	assert.True(t, updated.RequiredHoursOverride.Valid)
	detail, err := f.engine.FamilyDetail(f.ctx, f.school.ID, p.ID, y25)
	require.NoError(t, err)
	assert.True(t, detail.Ledger.Required.IsZero())
	assert.True(t, detail.Ledger.HoursShort.IsZero())

	// WHEN: Changing only the student count
	three := 3
	updated, err = f.engine.OverrideRequirement(f.ctx, coop.RequirementPatch{
		SchoolID: f.school.ID, ParentID: p.ID, StudentCount: &three,
	})
	require.NoError(t, err)

	// THEN: The override is untouched
	assert.Equal(t, 3, updated.StudentCount)
	assert.True(t, updated.RequiredHoursOverride.Valid)

	// WHEN: Clearing the override
	updated, err = f.engine.OverrideRequirement(f.ctx, coop.RequirementPatch{
		SchoolID: f.school.ID, ParentID: p.ID, ClearOverride: true,
	})
	require.NoError(t, err)

	// THEN: The formula applies again: min(3 x 12, 30)
	assert.False(t, updated.RequiredHoursOverride.Valid)
	assertDecimal(t, "30", coop.RequiredFor(*f.school, *updated))
}

func TestOverrideRequirement_Rejects(t *testing.T) {
	f := newTestFixture(t)
	p := f.parent(t, "o@example.com", 1)
	zero, neg := 0, generic.Hours(-1)

	for name, patch := range map[string]coop.RequirementPatch{
		"empty":             {SchoolID: f.school.ID, ParentID: p.ID},
		"zero students":     {SchoolID: f.school.ID, ParentID: p.ID, StudentCount: &zero},
		"negative rollover": {SchoolID: f.school.ID, ParentID: p.ID, RolloverHours: &neg},
		"negative override": {SchoolID: f.school.ID, ParentID: p.ID, RequiredHoursOverride: &neg},
	} {
		_, err := f.engine.OverrideRequirement(f.ctx, patch)
		assert.True(t, generic.IsValidation(err), name)
	}
}

// =============================================================================
// BILLING
// =============================================================================

func TestGenerateBilling_IsIdempotent(t *testing.T) {
	// GIVEN: One family 4 hours short and one complete family
	f := newTestFixture(t)
	short := f.parent(t, "short@example.com", 1)
	done := f.parent(t, "done@example.com", 1)
	f.credit(t, short.ID, 8)
	f.credit(t, done.ID, 12)

	// WHEN: Generating twice
	first, err := f.engine.GenerateBilling(f.ctx, f.school.ID, y25)
	require.NoError(t, err)
	second, err := f.engine.GenerateBilling(f.ctx, f.school.ID, y25)
	require.NoError(t, err)

	// THEN: One record the first time, none the second
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)

	records, err := f.engine.BillingRecords(f.ctx, f.school.ID, generic.AcademicYear{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, short.ID, r.ParentID)
	assertDecimal(t, "4", r.HoursShort)
	assertDecimal(t, "120", r.AmountDue)
	assert.Equal(t, coop.BillingPending, r.Status)
	assert.Equal(t, "2025-10-15", r.BilledDate)
}

func TestGenerateBilling_ExistingRecordIsNotRefreshed(t *testing.T) {
	// GIVEN: A family billed, who then earns more hours
	f := newTestFixture(t)
	p := f.parent(t, "late@example.com", 1)
	_, err := f.engine.GenerateBilling(f.ctx, f.school.ID, y25)
	require.NoError(t, err)
	f.credit(t, p.ID, 6)

	// WHEN: Generating again
	n, err := f.engine.GenerateBilling(f.ctx, f.school.ID, y25)
	require.NoError(t, err)

	// THEN: The original bill stands
	assert.Equal(t, 0, n)
	detail, err := f.engine.FamilyDetail(f.ctx, f.school.ID, p.ID, y25)
	require.NoError(t, err)
	require.NotNil(t, detail.Billing)
	assertDecimal(t, "12", detail.Billing.HoursShort)
}

func TestSetBillingStatus_Transitions(t *testing.T) {
	f := newTestFixture(t)
	f.parent(t, "owes@example.com", 1)
	_, err := f.engine.GenerateBilling(f.ctx, f.school.ID, y25)
	require.NoError(t, err)
	records, err := f.store.ListBillingRecords(f.ctx, f.school.ID, y25)
	require.NoError(t, err)
	require.Len(t, records, 1)
	id := records[0].ID

	_, err = f.engine.SetBillingStatus(f.ctx, f.school.ID, id, coop.BillingPending, "")
	assert.True(t, generic.IsValidation(err))

	paid, err := f.engine.SetBillingStatus(f.ctx, f.school.ID, id, coop.BillingPaid, "cheque 1042")
	require.NoError(t, err)
	assert.Equal(t, coop.BillingPaid, paid.Status)
	assert.Equal(t, "2025-10-15", paid.PaidDate)

	_, err = f.engine.SetBillingStatus(f.ctx, f.school.ID, id, coop.BillingWaived, "")
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
	assert.True(t, generic.IsConflict(err))

	_, err = f.engine.SetBillingStatus(f.ctx, "other-school", id, coop.BillingWaived, "")
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// YEAR-END ROLLOVER
// =============================================================================

func TestYearEndRollover_BanksSurplusOnce(t *testing.T) {
	// GIVEN: Required 20; 15 volunteered, 8 purchased, 0 rolled over
	f := newTestFixture(t)
	p := f.parent(t, "banker@example.com", 1)
	twenty := generic.Hours(20)
	_, err := f.engine.OverrideRequirement(f.ctx, coop.RequirementPatch{
		SchoolID: f.school.ID, ParentID: p.ID, RequiredHoursOverride: &twenty,
	})
	require.NoError(t, err)
	f.credit(t, p.ID, 15)
	_, err = f.engine.RecordPurchase(f.ctx, coop.PurchaseInput{
		SchoolID: f.school.ID, ParentID: p.ID, AmountSpent: generic.Money(240),
	})
	require.NoError(t, err)

	// AND: A family with nothing to bank
	empty := f.parent(t, "empty@example.com", 1)

	// WHEN: Rolling the year over
	result, err := f.engine.YearEndRollover(f.ctx, f.school.ID, y25)
	require.NoError(t, err)

	// THEN: 3 hours carry into 2026-2027 and the volunteer total resets
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.RolledOver)
	assert.Empty(t, result.Failures)
	assert.Equal(t, y25.Next(), result.ToYear)

	got := f.reload(t, p.ID)
	assertDecimal(t, "3", got.RolloverHours)
	assert.True(t, got.TotalHoursCompleted.IsZero())
	assert.Equal(t, y25.Next(), got.AcademicYear)

	reset := f.reload(t, empty.ID)
	assert.True(t, reset.RolloverHours.IsZero())
	assert.Equal(t, y25.Next(), reset.AcademicYear)

	adjustments, err := f.store.ListHourAdjustments(f.ctx, p.ID, y25.Next())
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, coop.AdjustmentRollover, adjustments[0].Type)
	assert.Equal(t, "Rollover from 2025-2026", adjustments[0].Description)

	school, err := f.dir.GetSchool(f.ctx, f.school.ID)
	require.NoError(t, err)
	assert.Equal(t, y25.Next(), school.CurrentAcademicYear)

	// WHEN: Running the same rollover again
	again, err := f.engine.YearEndRollover(f.ctx, f.school.ID, y25)
	require.NoError(t, err)

	// THEN: Nothing is applied twice
	assert.Equal(t, 0, again.Processed)
	assertDecimal(t, "3", f.reload(t, p.ID).RolloverHours)
	adjustments, err = f.store.ListHourAdjustments(f.ctx, p.ID, y25.Next())
	require.NoError(t, err)
	assert.Len(t, adjustments, 1)
}

func TestYearEndRollover_DefaultsToSchoolYear(t *testing.T) {
	f := newTestFixture(t)
	f.parent(t, "a@example.com", 1)

	result, err := f.engine.YearEndRollover(f.ctx, f.school.ID, generic.AcademicYear{})
	require.NoError(t, err)

	assert.Equal(t, y25, result.FromYear)
	assert.Equal(t, 1, result.Processed)
}

func TestGenerateBilling_AfterRolloverBillsNobody(t *testing.T) {
	// GIVEN: Required 20, 15 volunteered and $240 purchased (23 hours),
	// rolled into 2026-2027 before billing ran
	f := newTestFixture(t)
	p := f.parent(t, "ahead@example.com", 1)
	twenty := generic.Hours(20)
	_, err := f.engine.OverrideRequirement(f.ctx, coop.RequirementPatch{
		SchoolID: f.school.ID, ParentID: p.ID, RequiredHoursOverride: &twenty,
	})
	require.NoError(t, err)
	f.credit(t, p.ID, 15)
	_, err = f.engine.RecordPurchase(f.ctx, coop.PurchaseInput{
		SchoolID: f.school.ID, ParentID: p.ID, AmountSpent: generic.Money(240),
	})
	require.NoError(t, err)
	_, err = f.engine.YearEndRollover(f.ctx, f.school.ID, y25)
	require.NoError(t, err)

	// WHEN: Billing the year that was just closed
	n, err := f.engine.GenerateBilling(f.ctx, f.school.ID, y25)
	require.NoError(t, err)

	// THEN: The new year's totals are never billed against the old year
	assert.Equal(t, 0, n)
	records, err := f.engine.BillingRecords(f.ctx, f.school.ID, y25)
	require.NoError(t, err)
	assert.Empty(t, records)

	old, err := f.engine.BillingSummary(f.ctx, f.school.ID, y25)
	require.NoError(t, err)
	assert.Empty(t, old.Families)

	current, err := f.engine.BillingSummary(f.ctx, f.school.ID, generic.AcademicYear{})
	require.NoError(t, err)
	require.Len(t, current.Families, 1)
	assertDecimal(t, "3", current.Families[0].Rollover)
}

// renamingStore renames the school while the rollover is listing families.
type renamingStore struct {
	*sqlstore.Store
	rename func()
}

func (s *renamingStore) ListParentsInYear(ctx context.Context, schoolID string, year generic.AcademicYear) ([]coop.Parent, error) {
	s.rename()
	return s.Store.ListParentsInYear(ctx, schoolID, year)
}

func TestYearEndRollover_KeepsConcurrentSettingsChange(t *testing.T) {
	// GIVEN: A school renamed after the rollover loaded it
	f := newTestFixture(t)
	f.parent(t, "a@example.com", 1)
	name := "Maple Street Co-op"
	store := &renamingStore{Store: f.store, rename: func() {
		_, err := f.dir.UpdateSchoolSettings(f.ctx, f.school.ID, coop.SchoolSettings{Name: &name})
		require.NoError(t, err)
	}}
	engine := coop.NewEngine(coop.Deps{Store: store, Clock: generic.FixedClock(testNow)})

	// WHEN
	_, err := engine.YearEndRollover(f.ctx, f.school.ID, y25)
	require.NoError(t, err)

	// THEN: The year advances and the new name survives
	school, err := f.dir.GetSchool(f.ctx, f.school.ID)
	require.NoError(t, err)
	assert.Equal(t, y25.Next(), school.CurrentAcademicYear)
	assert.Equal(t, name, school.Name)
}
