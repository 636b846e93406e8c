/*
dto.go - Request bodies for the co-op API

PURPOSE:
  JSON shapes accepted by the handlers. Responses reuse the coop types
  directly; their json tags are the response contract.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Wrappers that add counts or messages

VALIDATION:
  Struct tags are checked with go-playground/validator before the body is
  converted to a coop input. Decimal fields are checked by the coop inputs
  themselves, which know the domain rules (minimum credit, non-negative
  hours and so on).

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: Turns validation failures into 400 responses
*/
package api

import (
	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHOOLS
// =============================================================================

// SchoolSettingsRequest creates or patches a school. Absent fields keep
// their current (or default) value.
type SchoolSettingsRequest struct {
	Name                   *string               `json:"name" validate:"omitempty,min=1,max=200"`
	RequiredHoursPerYear   *decimal.Decimal      `json:"required_hours_per_year"`
	HoursPerStudent        *decimal.Decimal      `json:"hours_per_student"`
	MaxFamilyHours         *decimal.Decimal      `json:"max_family_hours"`
	BillingRatePerHour     *decimal.Decimal      `json:"billing_rate_per_hour"`
	AcademicYearStartMonth *int                  `json:"academic_year_start_month" validate:"omitempty,min=1,max=12"`
	BillingDeadlineMonth   *int                  `json:"billing_deadline_month" validate:"omitempty,min=1,max=12"`
	CurrentAcademicYear    *generic.AcademicYear `json:"current_academic_year"`
	CRMLocationID          *string               `json:"crm_location_id"`
}

func (r SchoolSettingsRequest) settings() coop.SchoolSettings {
	return coop.SchoolSettings{
		Name:                   r.Name,
		RequiredHoursPerYear:   r.RequiredHoursPerYear,
		HoursPerStudent:        r.HoursPerStudent,
		MaxFamilyHours:         r.MaxFamilyHours,
		BillingRatePerHour:     r.BillingRatePerHour,
		AcademicYearStartMonth: r.AcademicYearStartMonth,
		BillingDeadlineMonth:   r.BillingDeadlineMonth,
		CurrentAcademicYear:    r.CurrentAcademicYear,
		CRMLocationID:          r.CRMLocationID,
	}
}

type SettingRequest struct {
	Value string `json:"value"`
}

// =============================================================================
// FAMILIES
// =============================================================================

type RegisterParentRequest struct {
	Email          string `json:"email" validate:"required,email"`
	FirstName      string `json:"first_name" validate:"required,max=100"`
	LastName       string `json:"last_name" validate:"required,max=100"`
	Phone          string `json:"phone" validate:"max=40"`
	StudentNames   string `json:"student_names"`
	StudentCount   int    `json:"student_count" validate:"min=1"`
	EnrollmentDate string `json:"enrollment_date" validate:"omitempty,datetime=2006-01-02"`
	Prorate        bool   `json:"prorate"`
	CRMContactID   string `json:"crm_contact_id"`
}

func (r RegisterParentRequest) input(schoolID string) coop.RegisterInput {
	return coop.RegisterInput{
		SchoolID:       schoolID,
		Email:          r.Email,
		FirstName:      r.FirstName,
		LastName:       r.LastName,
		Phone:          r.Phone,
		StudentNames:   r.StudentNames,
		StudentCount:   r.StudentCount,
		EnrollmentDate: r.EnrollmentDate,
		Prorate:        r.Prorate,
		CRMContactID:   r.CRMContactID,
	}
}

// RequirementRequest patches a family's requirement inputs.
type RequirementRequest struct {
	StudentCount          *int             `json:"student_count" validate:"omitempty,min=1"`
	RequiredHoursOverride *decimal.Decimal `json:"required_hours_override"`
	ClearOverride         bool             `json:"clear_override"`
	RolloverHours         *decimal.Decimal `json:"rollover_hours"`
}

type CRMContactRequest struct {
	ContactID string `json:"crm_contact_id" validate:"required"`
}

type PurchaseRequest struct {
	AmountSpent decimal.Decimal `json:"amount_spent"`
	Description string          `json:"description"`
	ReceiptURL  string          `json:"receipt_url" validate:"omitempty,url"`
	CreditedBy  string          `json:"credited_by"`
}

type AdjustmentRequest struct {
	Type        coop.AdjustmentType `json:"adjustment_type" validate:"required,oneof=rollover manual_credit manual_debit purchase_credit"`
	Hours       decimal.Decimal     `json:"hours"`
	Description string              `json:"description"`
	AdjustedBy  string              `json:"adjusted_by"`
}

// =============================================================================
// OPPORTUNITIES AND SIGNUPS
// =============================================================================

type OpportunityRequest struct {
	Title       string                 `json:"title" validate:"required,max=200"`
	Description string                 `json:"description"`
	Location    string                 `json:"location"`
	EventDate   string                 `json:"event_date" validate:"required,datetime=2006-01-02"`
	StartTime   string                 `json:"start_time" validate:"required,datetime=15:04"`
	EndTime     string                 `json:"end_time" validate:"required,datetime=15:04"`
	HoursCredit decimal.Decimal        `json:"hours_credit"`
	TotalSlots  int                    `json:"total_slots" validate:"min=1"`
	Status      coop.OpportunityStatus `json:"status" validate:"omitempty,oneof=active inactive"`
}

func (r OpportunityRequest) input(schoolID string) coop.OpportunityInput {
	return coop.OpportunityInput{
		SchoolID:    schoolID,
		Title:       r.Title,
		Description: r.Description,
		Location:    r.Location,
		EventDate:   r.EventDate,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		HoursCredit: r.HoursCredit,
		TotalSlots:  r.TotalSlots,
		Status:      r.Status,
	}
}

type SignupRequest struct {
	ParentID string `json:"parent_id" validate:"required"`
}

type AttendanceRequest struct {
	Attended    bool             `json:"attended"`
	HoursCredit *decimal.Decimal `json:"hours_credit"`
}

// =============================================================================
// BILLING AND ADMIN
// =============================================================================

type BillingStatusRequest struct {
	Status coop.BillingStatus `json:"status" validate:"required,oneof=paid waived"`
	Notes  string             `json:"notes"`
}

type RolloverRequest struct {
	FromYear generic.AcademicYear `json:"from_year"`
}

type BroadcastRequest struct {
	Subject        string               `json:"subject" validate:"required,max=200"`
	Body           string               `json:"body" validate:"required"`
	Target         coop.BroadcastTarget `json:"target" validate:"required,oneof=all event low_hours"`
	OpportunityID  string               `json:"opportunity_id" validate:"required_if=Target event"`
	HoursThreshold *decimal.Decimal     `json:"hours_threshold"`
}

// CountResponse reports how many things an operation touched.
type CountResponse struct {
	Count   int    `json:"count"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
