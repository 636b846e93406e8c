package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// queries runs every statement against either the pool or an open
// transaction; WithTx hands fn a queries bound to the transaction.
type queries struct {
	ext     sqlx.ExtContext
	dialect dialect
}

func (q *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
}

func (q *queries) namedExec(ctx context.Context, query string, arg any) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, query, arg)
	return err
}

// execOne runs an UPDATE/DELETE that must touch exactly one row.
func (q *queries) execOne(ctx context.Context, entity, id, query string, args ...any) error {
	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return generic.NotFound(entity, id)
	}
	return nil
}

// one maps sql.ErrNoRows to a NotFoundError.
func one(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return generic.NotFound(entity, id)
	}
	return err
}

// maybe maps sql.ErrNoRows to (false, nil).
func maybe(err error) (bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func now() time.Time { return time.Now().UTC() }

// =============================================================================
// SCHOOLS
// =============================================================================

const schoolColumns = `id, name, required_hours_per_year, hours_per_student, max_family_hours,
	billing_rate_per_hour, academic_year_start_month, billing_deadline_month,
	current_academic_year, crm_location_id, created_at, updated_at`

func (q *queries) CreateSchool(ctx context.Context, s *coop.School) error {
	return q.namedExec(ctx, `
		INSERT INTO schools (`+schoolColumns+`)
		VALUES (:id, :name, :required_hours_per_year, :hours_per_student, :max_family_hours,
			:billing_rate_per_hour, :academic_year_start_month, :billing_deadline_month,
			:current_academic_year, :crm_location_id, :created_at, :updated_at)`, s)
}

func (q *queries) GetSchool(ctx context.Context, id string) (*coop.School, error) {
	var s coop.School
	err := q.get(ctx, &s, `SELECT `+schoolColumns+` FROM schools WHERE id = ?`, id)
	if err != nil {
		return nil, one(err, "school", id)
	}
	return &s, nil
}

func (q *queries) ListSchools(ctx context.Context) ([]coop.School, error) {
	var schools []coop.School
	err := q.selectAll(ctx, &schools, `SELECT `+schoolColumns+` FROM schools ORDER BY name`)
	return schools, err
}

func (q *queries) UpdateSchool(ctx context.Context, s *coop.School) error {
	return q.execOne(ctx, "school", s.ID, `
		UPDATE schools SET name = ?, required_hours_per_year = ?, hours_per_student = ?,
			max_family_hours = ?, billing_rate_per_hour = ?, academic_year_start_month = ?,
			billing_deadline_month = ?, current_academic_year = ?, crm_location_id = ?, updated_at = ?
		WHERE id = ?`,
		s.Name, s.RequiredHoursPerYear, s.HoursPerStudent, s.MaxFamilyHours, s.BillingRatePerHour,
		s.AcademicYearStartMonth, s.BillingDeadlineMonth, s.CurrentAcademicYear, s.CRMLocationID,
		now(), s.ID)
}

func (q *queries) AdvanceSchoolYear(ctx context.Context, id string, year generic.AcademicYear) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE schools SET current_academic_year = ?, updated_at = ?
		WHERE id = ? AND current_academic_year < ?`, year, now(), id, year)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// =============================================================================
// PARENTS
// =============================================================================

const parentColumns = `id, school_id, email, first_name, last_name, phone, student_names,
	student_count, required_hours_override, rollover_hours, academic_year,
	total_hours_completed, enrollment_date, prorated, crm_contact_id, created_at, updated_at`

func (q *queries) CreateParent(ctx context.Context, p *coop.Parent) error {
	err := q.namedExec(ctx, `
		INSERT INTO parents (`+parentColumns+`)
		VALUES (:id, :school_id, :email, :first_name, :last_name, :phone, :student_names,
			:student_count, :required_hours_override, :rollover_hours, :academic_year,
			:total_hours_completed, :enrollment_date, :prorated, :crm_contact_id, :created_at, :updated_at)`, p)
	if isUniqueViolation(err) {
		return generic.ErrDuplicateEmail
	}
	return err
}

func (q *queries) GetParent(ctx context.Context, schoolID, id string) (*coop.Parent, error) {
	var p coop.Parent
	err := q.get(ctx, &p, `SELECT `+parentColumns+` FROM parents WHERE id = ? AND school_id = ?`, id, schoolID)
	if err != nil {
		return nil, one(err, "parent", id)
	}
	return &p, nil
}

func (q *queries) GetParentForUpdate(ctx context.Context, id string) (*coop.Parent, error) {
	var p coop.Parent
	err := q.get(ctx, &p, `SELECT `+parentColumns+` FROM parents WHERE id = ?`+q.dialect.forUpdate, id)
	if err != nil {
		return nil, one(err, "parent", id)
	}
	return &p, nil
}

func (q *queries) FindParentByEmail(ctx context.Context, schoolID, email string) (*coop.Parent, error) {
	var p coop.Parent
	found, err := maybe(q.get(ctx, &p, `SELECT `+parentColumns+` FROM parents WHERE school_id = ? AND email = ?`, schoolID, email))
	if !found {
		return nil, err
	}
	return &p, nil
}

func (q *queries) ListParents(ctx context.Context, schoolID string) ([]coop.Parent, error) {
	var parents []coop.Parent
	err := q.selectAll(ctx, &parents, `
		SELECT `+parentColumns+` FROM parents
		WHERE school_id = ?
		ORDER BY last_name, first_name, id`, schoolID)
	return parents, err
}

func (q *queries) ListParentsInYear(ctx context.Context, schoolID string, year generic.AcademicYear) ([]coop.Parent, error) {
	var parents []coop.Parent
	err := q.selectAll(ctx, &parents, `
		SELECT `+parentColumns+` FROM parents
		WHERE school_id = ? AND academic_year = ?
		ORDER BY last_name, first_name, id`, schoolID, year)
	return parents, err
}

func (q *queries) SetParentHours(ctx context.Context, id string, total decimal.Decimal) error {
	return q.execOne(ctx, "parent", id,
		`UPDATE parents SET total_hours_completed = ?, updated_at = ? WHERE id = ?`, total, now(), id)
}

func (q *queries) SetParentRollover(ctx context.Context, id string, rollover decimal.Decimal) error {
	return q.execOne(ctx, "parent", id,
		`UPDATE parents SET rollover_hours = ?, updated_at = ? WHERE id = ?`, rollover, now(), id)
}

func (q *queries) UpdateParentRequirement(ctx context.Context, p *coop.Parent) error {
	return q.execOne(ctx, "parent", p.ID, `
		UPDATE parents SET student_count = ?, required_hours_override = ?, rollover_hours = ?, updated_at = ?
		WHERE id = ?`,
		p.StudentCount, p.RequiredHoursOverride, p.RolloverHours, now(), p.ID)
}

func (q *queries) AdvanceParentYear(ctx context.Context, id string, rollover decimal.Decimal, year generic.AcademicYear) error {
	return q.execOne(ctx, "parent", id, `
		UPDATE parents SET rollover_hours = ?, total_hours_completed = ?, academic_year = ?, updated_at = ?
		WHERE id = ?`,
		rollover, decimal.Zero, year, now(), id)
}

func (q *queries) SetParentCRMContact(ctx context.Context, id, contactID string) error {
	return q.execOne(ctx, "parent", id,
		`UPDATE parents SET crm_contact_id = ?, updated_at = ? WHERE id = ?`, contactID, now(), id)
}

// =============================================================================
// OPPORTUNITIES
// =============================================================================

const opportunityColumns = `id, school_id, title, description, location, event_date, start_time,
	end_time, hours_credit, total_slots, slots_remaining, status, created_at, updated_at`

func (q *queries) CreateOpportunity(ctx context.Context, o *coop.Opportunity) error {
	return q.namedExec(ctx, `
		INSERT INTO volunteer_opportunities (`+opportunityColumns+`)
		VALUES (:id, :school_id, :title, :description, :location, :event_date, :start_time,
			:end_time, :hours_credit, :total_slots, :slots_remaining, :status, :created_at, :updated_at)`, o)
}

func (q *queries) GetOpportunity(ctx context.Context, schoolID, id string) (*coop.Opportunity, error) {
	var o coop.Opportunity
	err := q.get(ctx, &o, `SELECT `+opportunityColumns+` FROM volunteer_opportunities WHERE id = ? AND school_id = ?`, id, schoolID)
	if err != nil {
		return nil, one(err, "opportunity", id)
	}
	return &o, nil
}

func (q *queries) GetOpportunityForUpdate(ctx context.Context, id string) (*coop.Opportunity, error) {
	var o coop.Opportunity
	err := q.get(ctx, &o, `SELECT `+opportunityColumns+` FROM volunteer_opportunities WHERE id = ?`+q.dialect.forUpdate, id)
	if err != nil {
		return nil, one(err, "opportunity", id)
	}
	return &o, nil
}

func (q *queries) ListOpportunities(ctx context.Context, schoolID string, filter coop.OpportunityFilter) ([]coop.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM volunteer_opportunities WHERE school_id = ?`
	args := []any{schoolID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.FromDate != "" {
		query += ` AND event_date >= ?`
		args = append(args, filter.FromDate)
	}
	query += ` ORDER BY event_date, start_time, id`

	var opps []coop.Opportunity
	err := q.selectAll(ctx, &opps, query, args...)
	return opps, err
}

func (q *queries) UpdateOpportunity(ctx context.Context, o *coop.Opportunity) error {
	return q.execOne(ctx, "opportunity", o.ID, `
		UPDATE volunteer_opportunities SET title = ?, description = ?, location = ?, event_date = ?,
			start_time = ?, end_time = ?, hours_credit = ?, total_slots = ?, slots_remaining = ?,
			status = ?, updated_at = ?
		WHERE id = ?`,
		o.Title, o.Description, o.Location, o.EventDate, o.StartTime, o.EndTime, o.HoursCredit,
		o.TotalSlots, o.SlotsRemaining, o.Status, o.UpdatedAt, o.ID)
}

func (q *queries) DeleteOpportunity(ctx context.Context, id string) error {
	return q.execOne(ctx, "opportunity", id, `DELETE FROM volunteer_opportunities WHERE id = ?`, id)
}

func (q *queries) ReserveSlot(ctx context.Context, id string) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE volunteer_opportunities SET slots_remaining = slots_remaining - 1, updated_at = ?
		WHERE id = ? AND slots_remaining > 0`, now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (q *queries) ReleaseSlot(ctx context.Context, id string) error {
	_, err := q.exec(ctx, `
		UPDATE volunteer_opportunities SET slots_remaining = slots_remaining + 1, updated_at = ?
		WHERE id = ? AND slots_remaining < total_slots`, now(), id)
	return err
}

// =============================================================================
// SIGNUPS
// =============================================================================

const signupColumns = `id, opportunity_id, parent_id, status, attended, hours_credited,
	reminder_sent, notes, signup_date, updated_at`

func (q *queries) CreateSignup(ctx context.Context, s *coop.Signup) error {
	err := q.namedExec(ctx, `
		INSERT INTO signups (`+signupColumns+`)
		VALUES (:id, :opportunity_id, :parent_id, :status, :attended, :hours_credited,
			:reminder_sent, :notes, :signup_date, :updated_at)`, s)
	if isUniqueViolation(err) {
		return generic.ErrAlreadySignedUp
	}
	return err
}

func (q *queries) GetSignup(ctx context.Context, id string) (*coop.Signup, error) {
	var s coop.Signup
	if err := q.get(ctx, &s, `SELECT `+signupColumns+` FROM signups WHERE id = ?`, id); err != nil {
		return nil, one(err, "signup", id)
	}
	return &s, nil
}

func (q *queries) GetSignupForUpdate(ctx context.Context, id string) (*coop.Signup, error) {
	var s coop.Signup
	if err := q.get(ctx, &s, `SELECT `+signupColumns+` FROM signups WHERE id = ?`+q.dialect.forUpdate, id); err != nil {
		return nil, one(err, "signup", id)
	}
	return &s, nil
}

func (q *queries) FindConfirmedSignup(ctx context.Context, opportunityID, parentID string) (*coop.Signup, error) {
	var s coop.Signup
	found, err := maybe(q.get(ctx, &s, `
		SELECT `+signupColumns+` FROM signups
		WHERE opportunity_id = ? AND parent_id = ? AND status = ?`,
		opportunityID, parentID, coop.SignupConfirmed))
	if !found {
		return nil, err
	}
	return &s, nil
}

func (q *queries) CountConfirmedSignups(ctx context.Context, opportunityID string) (int, error) {
	var n int
	err := q.get(ctx, &n, `SELECT COUNT(*) FROM signups WHERE opportunity_id = ? AND status = ?`,
		opportunityID, coop.SignupConfirmed)
	return n, err
}

func (q *queries) ListSignupsForParent(ctx context.Context, parentID string) ([]coop.Signup, error) {
	var signups []coop.Signup
	err := q.selectAll(ctx, &signups, `
		SELECT `+signupColumns+` FROM signups WHERE parent_id = ?
		ORDER BY signup_date DESC, id`, parentID)
	return signups, err
}

func (q *queries) ListSignupsForOpportunity(ctx context.Context, opportunityID string) ([]coop.Signup, error) {
	var signups []coop.Signup
	err := q.selectAll(ctx, &signups, `
		SELECT `+signupColumns+` FROM signups WHERE opportunity_id = ?
		ORDER BY signup_date, id`, opportunityID)
	return signups, err
}

func (q *queries) SetSignupStatus(ctx context.Context, id string, status coop.SignupStatus) error {
	return q.execOne(ctx, "signup", id,
		`UPDATE signups SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
}

func (q *queries) SetSignupAttendance(ctx context.Context, id string, attended bool, hours decimal.Decimal) error {
	return q.execOne(ctx, "signup", id,
		`UPDATE signups SET attended = ?, hours_credited = ?, updated_at = ? WHERE id = ?`,
		attended, hours, now(), id)
}

func (q *queries) ListReminderDue(ctx context.Context, eventDate string) ([]coop.Signup, error) {
	var signups []coop.Signup
	err := q.selectAll(ctx, &signups, `
		SELECT s.id, s.opportunity_id, s.parent_id, s.status, s.attended, s.hours_credited,
			s.reminder_sent, s.notes, s.signup_date, s.updated_at
		FROM signups s
		JOIN volunteer_opportunities o ON o.id = s.opportunity_id
		WHERE o.event_date = ? AND o.status = ? AND s.status = ? AND s.reminder_sent = ?
		ORDER BY o.start_time, s.id`,
		eventDate, coop.OpportunityActive, coop.SignupConfirmed, false)
	return signups, err
}

func (q *queries) MarkReminderSent(ctx context.Context, id string) error {
	return q.execOne(ctx, "signup", id,
		`UPDATE signups SET reminder_sent = ?, updated_at = ? WHERE id = ?`, true, now(), id)
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

const purchaseColumns = `id, parent_id, school_id, amount_spent, hours_credited, description,
	receipt_url, academic_year, credited_by, created_at`

func (q *queries) AddPurchaseCredit(ctx context.Context, c *coop.PurchaseCredit) error {
	return q.namedExec(ctx, `
		INSERT INTO purchase_credits (`+purchaseColumns+`)
		VALUES (:id, :parent_id, :school_id, :amount_spent, :hours_credited, :description,
			:receipt_url, :academic_year, :credited_by, :created_at)`, c)
}

func (q *queries) ListPurchaseCredits(ctx context.Context, parentID string, year generic.AcademicYear) ([]coop.PurchaseCredit, error) {
	var credits []coop.PurchaseCredit
	err := q.selectAll(ctx, &credits, `
		SELECT `+purchaseColumns+` FROM purchase_credits
		WHERE parent_id = ? AND academic_year = ?
		ORDER BY created_at, id`, parentID, year)
	return credits, err
}

// PurchaseHoursByParent sums in Go; sqlite stores the hours as text.
func (q *queries) PurchaseHoursByParent(ctx context.Context, schoolID string, year generic.AcademicYear) (map[string]decimal.Decimal, error) {
	var rows []struct {
		ParentID string          `db:"parent_id"`
		Hours    decimal.Decimal `db:"hours_credited"`
	}
	err := q.selectAll(ctx, &rows, `
		SELECT parent_id, hours_credited FROM purchase_credits
		WHERE school_id = ? AND academic_year = ?`, schoolID, year)
	if err != nil {
		return nil, err
	}

	sums := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		sums[r.ParentID] = sums[r.ParentID].Add(r.Hours)
	}
	return sums, nil
}

const adjustmentColumns = `id, parent_id, adjustment_type, hours, description, academic_year,
	adjusted_by, created_at`

func (q *queries) AddHourAdjustment(ctx context.Context, a *coop.HourAdjustment) error {
	return q.namedExec(ctx, `
		INSERT INTO hour_adjustments (`+adjustmentColumns+`)
		VALUES (:id, :parent_id, :adjustment_type, :hours, :description, :academic_year,
			:adjusted_by, :created_at)`, a)
}

func (q *queries) ListHourAdjustments(ctx context.Context, parentID string, year generic.AcademicYear) ([]coop.HourAdjustment, error) {
	var adjustments []coop.HourAdjustment
	err := q.selectAll(ctx, &adjustments, `
		SELECT `+adjustmentColumns+` FROM hour_adjustments
		WHERE parent_id = ? AND academic_year = ?
		ORDER BY created_at, id`, parentID, year)
	return adjustments, err
}

// =============================================================================
// BILLING
// =============================================================================

const billingColumns = `id, parent_id, school_id, academic_year, hours_short, rate_per_hour,
	amount_due, status, billed_date, paid_date, notes, created_at, updated_at`

func (q *queries) CreateBillingRecord(ctx context.Context, r *coop.BillingRecord) error {
	err := q.namedExec(ctx, `
		INSERT INTO billing_records (`+billingColumns+`)
		VALUES (:id, :parent_id, :school_id, :academic_year, :hours_short, :rate_per_hour,
			:amount_due, :status, :billed_date, :paid_date, :notes, :created_at, :updated_at)`, r)
	if isUniqueViolation(err) {
		return generic.ErrDuplicateBilling
	}
	return err
}

func (q *queries) GetBillingRecord(ctx context.Context, id string) (*coop.BillingRecord, error) {
	var r coop.BillingRecord
	if err := q.get(ctx, &r, `SELECT `+billingColumns+` FROM billing_records WHERE id = ?`+q.dialect.forUpdate, id); err != nil {
		return nil, one(err, "billing record", id)
	}
	return &r, nil
}

func (q *queries) FindBillingRecord(ctx context.Context, parentID string, year generic.AcademicYear) (*coop.BillingRecord, error) {
	var r coop.BillingRecord
	found, err := maybe(q.get(ctx, &r, `
		SELECT `+billingColumns+` FROM billing_records
		WHERE parent_id = ? AND academic_year = ?`, parentID, year))
	if !found {
		return nil, err
	}
	return &r, nil
}

func (q *queries) ListBillingRecords(ctx context.Context, schoolID string, year generic.AcademicYear) ([]coop.BillingRecord, error) {
	var records []coop.BillingRecord
	err := q.selectAll(ctx, &records, `
		SELECT `+billingColumns+` FROM billing_records
		WHERE school_id = ? AND academic_year = ?
		ORDER BY created_at, id`, schoolID, year)
	return records, err
}

func (q *queries) UpdateBillingStatus(ctx context.Context, id string, status coop.BillingStatus, paidDate, notes string) error {
	return q.execOne(ctx, "billing record", id, `
		UPDATE billing_records SET status = ?, paid_date = ?, notes = ?, updated_at = ?
		WHERE id = ?`, status, paidDate, notes, now(), id)
}

// =============================================================================
// ADMIN SETTINGS
// =============================================================================

func (q *queries) GetSetting(ctx context.Context, schoolID, key string) (*coop.AdminSetting, error) {
	var s coop.AdminSetting
	err := q.get(ctx, &s, `
		SELECT school_id, setting_key, setting_value, updated_at FROM admin_settings
		WHERE school_id = ? AND setting_key = ?`, schoolID, key)
	if err != nil {
		return nil, one(err, "setting", key)
	}
	return &s, nil
}

func (q *queries) ListSettings(ctx context.Context, schoolID string) ([]coop.AdminSetting, error) {
	var settings []coop.AdminSetting
	err := q.selectAll(ctx, &settings, `
		SELECT school_id, setting_key, setting_value, updated_at FROM admin_settings
		WHERE school_id = ? ORDER BY setting_key`, schoolID)
	return settings, err
}

func (q *queries) PutSetting(ctx context.Context, s *coop.AdminSetting) error {
	_, err := q.exec(ctx, `
		INSERT INTO admin_settings (school_id, setting_key, setting_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (school_id, setting_key)
		DO UPDATE SET setting_value = excluded.setting_value, updated_at = excluded.updated_at`,
		s.SchoolID, s.Key, s.Value, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}
