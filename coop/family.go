package coop

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// DIRECTORY - Schools, families and admin settings
// =============================================================================

type Directory struct {
	service
}

func NewDirectory(d Deps) *Directory {
	return &Directory{service: newService(d, "directory")}
}

// =============================================================================
// SCHOOLS
// =============================================================================

// SchoolSettings is a partial update. Nil fields are left unchanged.
type SchoolSettings struct {
	Name                   *string
	RequiredHoursPerYear   *decimal.Decimal
	HoursPerStudent        *decimal.Decimal
	MaxFamilyHours         *decimal.Decimal
	BillingRatePerHour     *decimal.Decimal
	AcademicYearStartMonth *int
	BillingDeadlineMonth   *int
	CurrentAcademicYear    *generic.AcademicYear
	CRMLocationID          *string
}

func (p SchoolSettings) apply(s *School) {
	if p.Name != nil {
		s.Name = strings.TrimSpace(*p.Name)
	}
	if p.RequiredHoursPerYear != nil {
		s.RequiredHoursPerYear = generic.RoundHours(*p.RequiredHoursPerYear)
	}
	if p.HoursPerStudent != nil {
		s.HoursPerStudent = generic.RoundHours(*p.HoursPerStudent)
	}
	if p.MaxFamilyHours != nil {
		s.MaxFamilyHours = generic.RoundHours(*p.MaxFamilyHours)
	}
	if p.BillingRatePerHour != nil {
		s.BillingRatePerHour = generic.RoundMoney(*p.BillingRatePerHour)
	}
	if p.AcademicYearStartMonth != nil {
		s.AcademicYearStartMonth = *p.AcademicYearStartMonth
	}
	if p.BillingDeadlineMonth != nil {
		s.BillingDeadlineMonth = *p.BillingDeadlineMonth
	}
	if p.CurrentAcademicYear != nil {
		s.CurrentAcademicYear = *p.CurrentAcademicYear
	}
	if p.CRMLocationID != nil {
		s.CRMLocationID = *p.CRMLocationID
	}
}

func validateSchool(s *School) error {
	if s.Name == "" {
		return generic.Invalid("name", "required")
	}
	for field, v := range map[string]decimal.Decimal{
		"required_hours_per_year": s.RequiredHoursPerYear,
		"hours_per_student":       s.HoursPerStudent,
		"max_family_hours":        s.MaxFamilyHours,
	} {
		if v.IsNegative() {
			return generic.Invalid(field, "must not be negative")
		}
	}
	if !s.BillingRatePerHour.IsPositive() {
		return generic.Invalid("billing_rate_per_hour", "must be greater than zero")
	}
	return s.Calendar().Validate()
}

// CreateSchool provisions a tenant with the program defaults overlaid by settings.
func (d *Directory) CreateSchool(ctx context.Context, name string, settings SchoolSettings) (*School, error) {
	school := DefaultSchool(strings.TrimSpace(name))
	settings.apply(&school)
	if err := validateSchool(&school); err != nil {
		return nil, err
	}

	now := d.clock.Now()
	school.ID = uuid.NewString()
	if school.CurrentAcademicYear.IsZero() {
		school.CurrentAcademicYear = school.Calendar().AcademicYearFor(now)
	}
	school.CreatedAt, school.UpdatedAt = now, now

	if err := d.store.CreateSchool(ctx, &school); err != nil {
		return nil, fmt.Errorf("insert school: %w", err)
	}
	d.logger.Info("school created", "school", school.ID, "year", school.CurrentAcademicYear)
	return &school, nil
}

func (d *Directory) GetSchool(ctx context.Context, id string) (*School, error) {
	return d.store.GetSchool(ctx, id)
}

func (d *Directory) ListSchools(ctx context.Context) ([]School, error) {
	return d.store.ListSchools(ctx)
}

// UpdateSchoolSettings applies a partial settings update.
func (d *Directory) UpdateSchoolSettings(ctx context.Context, id string, settings SchoolSettings) (*School, error) {
	var updated *School
	err := d.store.WithTx(ctx, func(st Store) error {
		school, err := st.GetSchool(ctx, id)
		if err != nil {
			return err
		}
		settings.apply(school)
		if err := validateSchool(school); err != nil {
			return err
		}
		school.UpdatedAt = d.clock.Now()
		if err := st.UpdateSchool(ctx, school); err != nil {
			return err
		}
		updated = school
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// FAMILIES
// =============================================================================

type RegisterInput struct {
	SchoolID       string
	Email          string
	FirstName      string
	LastName       string
	Phone          string
	StudentNames   string
	StudentCount   int
	EnrollmentDate string // YYYY-MM-DD, defaults to today
	Prorate        bool
	CRMContactID   string
}

func (in RegisterInput) Validate() error {
	email := strings.TrimSpace(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return generic.Invalid("email", "a valid email is required")
	}
	if strings.TrimSpace(in.FirstName) == "" {
		return generic.Invalid("first_name", "required")
	}
	if strings.TrimSpace(in.LastName) == "" {
		return generic.Invalid("last_name", "required")
	}
	if in.StudentCount < 1 {
		return generic.Invalid("student_count", "must be at least 1")
	}
	if in.EnrollmentDate != "" {
		if _, err := generic.ParseDate(in.EnrollmentDate); err != nil {
			return generic.Invalid("enrollment_date", "expected YYYY-MM-DD")
		}
	}
	return nil
}

// RegisterParent enrolls a family in the school's current cycle. With
// Prorate set, a family joining after the cycle opened gets a reduced
// requirement recorded as an override.
func (d *Directory) RegisterParent(ctx context.Context, in RegisterInput) (*Parent, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))

	var (
		parent *Parent
		events []Event
	)
	err := d.store.WithTx(ctx, func(st Store) error {
		school, err := st.GetSchool(ctx, in.SchoolID)
		if err != nil {
			return err
		}
		existing, err := st.FindParentByEmail(ctx, school.ID, email)
		if err != nil {
			return err
		}
		if existing != nil {
			return generic.ErrDuplicateEmail
		}

		now := d.clock.Now()
		enrollment := generic.DateOf(now)
		if in.EnrollmentDate != "" {
			enrollment, _ = generic.ParseDate(in.EnrollmentDate)
		}
		year := d.yearOrCurrent(school, school.CurrentAcademicYear)

		parent = &Parent{
			ID:                  uuid.NewString(),
			SchoolID:            school.ID,
			Email:               email,
			FirstName:           strings.TrimSpace(in.FirstName),
			LastName:            strings.TrimSpace(in.LastName),
			Phone:               in.Phone,
			StudentNames:        in.StudentNames,
			StudentCount:        in.StudentCount,
			RolloverHours:       decimal.Zero,
			AcademicYear:        year,
			TotalHoursCompleted: decimal.Zero,
			EnrollmentDate:      enrollment.String(),
			CRMContactID:        in.CRMContactID,
			CreatedAt:           now,
			UpdatedAt:           now,
		}

		cal := school.Calendar()
		if in.Prorate && enrollment.After(cal.Cycle(year).Start) {
			full := RequiredHours(parent.StudentCount, school.HoursPerStudent, school.MaxFamilyHours)
			prorated := ProrateHours(full, enrollment.Time, cal)
			if prorated.LessThan(full) {
				parent.RequiredHoursOverride = decimal.NewNullDecimal(prorated)
				parent.Prorated = true
			}
		}

		if err := st.CreateParent(ctx, parent); err != nil {
			return err
		}

		ledger := AssembleLedger(*school, *parent, decimal.Zero)
		welcome := parentEvent(EventWelcome, *parent, now)
		welcome.RequiredHours = ledger.Required
		welcome.TotalHours = decimal.Zero
		welcome.CRMLocationID = school.CRMLocationID
		events = append(events, welcome)
		if parent.CRMContactID != "" {
			events = append(events, hoursChanged(*parent, ledger, now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("parent registered", "school", in.SchoolID, "parent", parent.ID, "prorated", parent.Prorated)
	d.publish(events...)
	return parent, nil
}

func (d *Directory) GetParent(ctx context.Context, schoolID, id string) (*Parent, error) {
	return d.store.GetParent(ctx, schoolID, id)
}

func (d *Directory) ListParents(ctx context.Context, schoolID string) ([]Parent, error) {
	if _, err := d.store.GetSchool(ctx, schoolID); err != nil {
		return nil, err
	}
	return d.store.ListParents(ctx, schoolID)
}

// LinkCRMContact records the family's contact id in the external CRM and
// sends the contact the family's current totals.
func (d *Directory) LinkCRMContact(ctx context.Context, schoolID, parentID, contactID string) error {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return generic.Invalid("crm_contact_id", "required")
	}

	var event Event
	err := d.store.WithTx(ctx, func(st Store) error {
		school, err := st.GetSchool(ctx, schoolID)
		if err != nil {
			return err
		}
		parent, err := lockParent(ctx, st, schoolID, parentID)
		if err != nil {
			return err
		}
		if err := st.SetParentCRMContact(ctx, parent.ID, contactID); err != nil {
			return err
		}
		parent.CRMContactID = contactID

		ledger, _, err := ledgerFor(ctx, st, school, parent, parent.AcademicYear)
		if err != nil {
			return err
		}
		event = hoursChanged(*parent, ledger, d.clock.Now())
		return nil
	})
	if err != nil {
		return err
	}

	d.logger.Info("crm contact linked", "parent", parentID, "contact", contactID)
	d.publish(event)
	return nil
}

// =============================================================================
// ADMIN SETTINGS
// =============================================================================

func (d *Directory) Settings(ctx context.Context, schoolID string) ([]AdminSetting, error) {
	return d.store.ListSettings(ctx, schoolID)
}

func (d *Directory) Setting(ctx context.Context, schoolID, key string) (*AdminSetting, error) {
	return d.store.GetSetting(ctx, schoolID, key)
}

func (d *Directory) PutSetting(ctx context.Context, schoolID, key, value string) (*AdminSetting, error) {
	if strings.TrimSpace(key) == "" {
		return nil, generic.Invalid("key", "required")
	}
	if _, err := d.store.GetSchool(ctx, schoolID); err != nil {
		return nil, err
	}
	setting := &AdminSetting{SchoolID: schoolID, Key: key, Value: value, UpdatedAt: d.clock.Now()}
	if err := d.store.PutSetting(ctx, setting); err != nil {
		return nil, err
	}
	return setting, nil
}
