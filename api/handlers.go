/*
handlers.go - HTTP API handlers for the co-op engine

PURPOSE:
  Exposes the coop services over REST. Handlers parse the request, run
  struct-tag validation, call exactly one service operation and serialize
  its result. No ledger arithmetic happens here.

ENDPOINTS (all under /api/schools/{schoolID}):
  School:
    GET    /                         School
    PATCH  /                         Update settings
    GET    /stats                    Dashboard statistics
    GET    /settings                 Admin settings
    GET    /settings/{key}           One setting
    PUT    /settings/{key}           Upsert a setting

  Families:
    GET    /parents                  List
    POST   /parents                  Register
    GET    /parents/{parentID}       Ledger detail (?year=)
    PATCH  /parents/{parentID}/requirement
    PUT    /parents/{parentID}/crm-contact
    GET    /parents/{parentID}/signups
    POST   /parents/{parentID}/purchases
    POST   /parents/{parentID}/adjustments

  Opportunities and signups:
    GET    /opportunities            List (?status=&from=)
    GET    /opportunities/upcoming   Active from today on
    POST   /opportunities            Create
    GET    /opportunities/{opportunityID}
    PUT    /opportunities/{opportunityID}
    DELETE /opportunities/{opportunityID}
    GET    /opportunities/{opportunityID}/signups
    POST   /opportunities/{opportunityID}/signups
    POST   /signups/{signupID}/cancel
    POST   /signups/{signupID}/attendance

  Billing and admin:
    GET    /billing                  Summary (?year=)
    GET    /billing/records          Issued bills (?year=)
    POST   /billing/generate         Bill families still short (?year=)
    PATCH  /billing/records/{recordID}
    POST   /rollover                 Year-end rollover
    POST   /broadcasts               Message a group of families

ERROR HANDLING:
  See errors.go. 400 validation, 404 not found (including another
  school's rows), 409 conflicts, 500 opaque.

SECURITY NOTE:
  No authentication. Callers are expected to sit behind an authenticating
  proxy that scopes them to a school.

SEE ALSO:
  - dto.go: Request bodies
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Handler struct {
	Directory *coop.Directory
	Engine    *coop.Engine
	Signups   *coop.StateMachine
	Logger    *log.Logger

	validate *validator.Validate
}

func NewHandler(dir *coop.Directory, engine *coop.Engine, signups *coop.StateMachine, logger *log.Logger) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		Directory: dir,
		Engine:    engine,
		Signups:   signups,
		Logger:    logger.WithPrefix("api"),
		validate:  v,
	}
}

// decode reads a JSON body into dst and checks its struct tags. An empty
// body decodes as {}. It writes the 400 itself and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeDecodeError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, h.Logger, err)
}

func yearParam(r *http.Request) (generic.AcademicYear, error) {
	raw := r.URL.Query().Get("year")
	if raw == "" {
		return generic.AcademicYear{}, nil
	}
	return generic.ParseAcademicYear(raw)
}

func schoolID(r *http.Request) string { return chi.URLParam(r, "schoolID") }

// =============================================================================
// SCHOOLS
// =============================================================================

// GET /api/schools
func (h *Handler) ListSchools(w http.ResponseWriter, r *http.Request) {
	schools, err := h.Directory.ListSchools(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(schools))
}

// POST /api/schools
func (h *Handler) CreateSchool(w http.ResponseWriter, r *http.Request) {
	var req SchoolSettingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	name := ""
	if req.Name != nil {
		name = *req.Name
	}
	settings := req.settings()
	settings.Name = nil

	school, err := h.Directory.CreateSchool(r.Context(), name, settings)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, school)
}

// GET /api/schools/{schoolID}
func (h *Handler) GetSchool(w http.ResponseWriter, r *http.Request) {
	school, err := h.Directory.GetSchool(r.Context(), schoolID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, school)
}

// PATCH /api/schools/{schoolID}
func (h *Handler) UpdateSchool(w http.ResponseWriter, r *http.Request) {
	var req SchoolSettingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	school, err := h.Directory.UpdateSchoolSettings(r.Context(), schoolID(r), req.settings())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, school)
}

// GET /api/schools/{schoolID}/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Engine.Stats(r.Context(), schoolID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /api/schools/{schoolID}/settings
func (h *Handler) ListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Directory.Settings(r.Context(), schoolID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(settings))
}

// GET /api/schools/{schoolID}/settings/{key}
func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	setting, err := h.Directory.Setting(r.Context(), schoolID(r), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

// PUT /api/schools/{schoolID}/settings/{key}
func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	var req SettingRequest
	if !h.decode(w, r, &req) {
		return
	}
	setting, err := h.Directory.PutSetting(r.Context(), schoolID(r), chi.URLParam(r, "key"), req.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

// =============================================================================
// FAMILIES
// =============================================================================

// GET /api/schools/{schoolID}/parents
func (h *Handler) ListParents(w http.ResponseWriter, r *http.Request) {
	parents, err := h.Directory.ListParents(r.Context(), schoolID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(parents))
}

// POST /api/schools/{schoolID}/parents
func (h *Handler) RegisterParent(w http.ResponseWriter, r *http.Request) {
	var req RegisterParentRequest
	if !h.decode(w, r, &req) {
		return
	}
	parent, err := h.Directory.RegisterParent(r.Context(), req.input(schoolID(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, parent)
}

// GET /api/schools/{schoolID}/parents/{parentID}
func (h *Handler) GetFamily(w http.ResponseWriter, r *http.Request) {
	year, err := yearParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	detail, err := h.Engine.FamilyDetail(r.Context(), schoolID(r), chi.URLParam(r, "parentID"), year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// PATCH /api/schools/{schoolID}/parents/{parentID}/requirement
func (h *Handler) OverrideRequirement(w http.ResponseWriter, r *http.Request) {
	var req RequirementRequest
	if !h.decode(w, r, &req) {
		return
	}
	parent, err := h.Engine.OverrideRequirement(r.Context(), coop.RequirementPatch{
		SchoolID:              schoolID(r),
		ParentID:              chi.URLParam(r, "parentID"),
		StudentCount:          req.StudentCount,
		RequiredHoursOverride: req.RequiredHoursOverride,
		ClearOverride:         req.ClearOverride,
		RolloverHours:         req.RolloverHours,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, parent)
}

// PUT /api/schools/{schoolID}/parents/{parentID}/crm-contact
func (h *Handler) LinkCRMContact(w http.ResponseWriter, r *http.Request) {
	var req CRMContactRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.Directory.LinkCRMContact(r.Context(), schoolID(r), chi.URLParam(r, "parentID"), req.ContactID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/schools/{schoolID}/parents/{parentID}/signups
func (h *Handler) ParentSignups(w http.ResponseWriter, r *http.Request) {
	signups, err := h.Signups.SignupsForParent(r.Context(), schoolID(r), chi.URLParam(r, "parentID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(signups))
}

// POST /api/schools/{schoolID}/parents/{parentID}/purchases
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	credit, err := h.Engine.RecordPurchase(r.Context(), coop.PurchaseInput{
		SchoolID:    schoolID(r),
		ParentID:    chi.URLParam(r, "parentID"),
		AmountSpent: req.AmountSpent,
		Description: req.Description,
		ReceiptURL:  req.ReceiptURL,
		CreditedBy:  req.CreditedBy,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, credit)
}

// POST /api/schools/{schoolID}/parents/{parentID}/adjustments
func (h *Handler) RecordAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	adj, err := h.Engine.RecordAdjustment(r.Context(), coop.AdjustmentInput{
		SchoolID:    schoolID(r),
		ParentID:    chi.URLParam(r, "parentID"),
		Type:        req.Type,
		Hours:       req.Hours,
		Description: req.Description,
		AdjustedBy:  req.AdjustedBy,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, adj)
}

// =============================================================================
// OPPORTUNITIES
// =============================================================================

// GET /api/schools/{schoolID}/opportunities
func (h *Handler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := coop.OpportunityFilter{
		Status:   coop.OpportunityStatus(q.Get("status")),
		FromDate: q.Get("from"),
	}
	if filter.FromDate != "" {
		if _, err := generic.ParseDate(filter.FromDate); err != nil {
			h.fail(w, r, generic.Invalid("from", "expected YYYY-MM-DD"))
			return
		}
	}
	opps, err := h.Signups.ListOpportunities(r.Context(), schoolID(r), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(opps))
}

// GET /api/schools/{schoolID}/opportunities/upcoming
func (h *Handler) UpcomingOpportunities(w http.ResponseWriter, r *http.Request) {
	opps, err := h.Signups.UpcomingOpportunities(r.Context(), schoolID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(opps))
}

// POST /api/schools/{schoolID}/opportunities
func (h *Handler) CreateOpportunity(w http.ResponseWriter, r *http.Request) {
	var req OpportunityRequest
	if !h.decode(w, r, &req) {
		return
	}
	opp, err := h.Signups.CreateOpportunity(r.Context(), req.input(schoolID(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, opp)
}

// GET /api/schools/{schoolID}/opportunities/{opportunityID}
func (h *Handler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	opp, err := h.Signups.GetOpportunity(r.Context(), schoolID(r), chi.URLParam(r, "opportunityID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opp)
}

// PUT /api/schools/{schoolID}/opportunities/{opportunityID}
func (h *Handler) UpdateOpportunity(w http.ResponseWriter, r *http.Request) {
	var req OpportunityRequest
	if !h.decode(w, r, &req) {
		return
	}
	opp, err := h.Signups.UpdateOpportunity(r.Context(), chi.URLParam(r, "opportunityID"), req.input(schoolID(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opp)
}

// DELETE /api/schools/{schoolID}/opportunities/{opportunityID}
func (h *Handler) DeleteOpportunity(w http.ResponseWriter, r *http.Request) {
	if err := h.Signups.DeleteOpportunity(r.Context(), schoolID(r), chi.URLParam(r, "opportunityID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SIGNUPS
// =============================================================================

// GET /api/schools/{schoolID}/opportunities/{opportunityID}/signups
func (h *Handler) OpportunitySignups(w http.ResponseWriter, r *http.Request) {
	signups, err := h.Signups.SignupsForOpportunity(r.Context(), schoolID(r), chi.URLParam(r, "opportunityID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(signups))
}

// POST /api/schools/{schoolID}/opportunities/{opportunityID}/signups
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !h.decode(w, r, &req) {
		return
	}
	signup, err := h.Signups.Signup(r.Context(), schoolID(r), req.ParentID, chi.URLParam(r, "opportunityID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, signup)
}

// POST /api/schools/{schoolID}/signups/{signupID}/cancel
func (h *Handler) CancelSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.Directory.GetParent(r.Context(), schoolID(r), req.ParentID); err != nil {
		h.fail(w, r, err)
		return
	}
	signup, err := h.Signups.Cancel(r.Context(), req.ParentID, chi.URLParam(r, "signupID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signup)
}

// POST /api/schools/{schoolID}/signups/{signupID}/attendance
//
// hours_credit defaults to the opportunity's credit when attended is true
// and the field is absent.
func (h *Handler) MarkAttendance(w http.ResponseWriter, r *http.Request) {
	var req AttendanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := coop.AttendanceInput{
		SchoolID:    schoolID(r),
		SignupID:    chi.URLParam(r, "signupID"),
		Attended:    req.Attended,
		HoursCredit: decimal.Zero,
	}
	if req.HoursCredit != nil {
		in.HoursCredit = *req.HoursCredit
	} else if req.Attended {
		credit, err := h.defaultCredit(r, in.SignupID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		in.HoursCredit = credit
	}

	result, err := h.Signups.MarkAttendance(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) defaultCredit(r *http.Request, signupID string) (decimal.Decimal, error) {
	signup, err := h.Signups.GetSignup(r.Context(), signupID)
	if err != nil {
		return decimal.Zero, err
	}
	opp, err := h.Signups.GetOpportunity(r.Context(), schoolID(r), signup.OpportunityID)
	if err != nil {
		if generic.IsNotFound(err) {
			return decimal.Zero, generic.NotFound("signup", signupID)
		}
		return decimal.Zero, err
	}
	return opp.HoursCredit, nil
}

// =============================================================================
// BILLING AND ADMIN
// =============================================================================

// GET /api/schools/{schoolID}/billing
func (h *Handler) BillingSummary(w http.ResponseWriter, r *http.Request) {
	year, err := yearParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	summary, err := h.Engine.BillingSummary(r.Context(), schoolID(r), year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GET /api/schools/{schoolID}/billing/records
func (h *Handler) BillingRecords(w http.ResponseWriter, r *http.Request) {
	year, err := yearParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	records, err := h.Engine.BillingRecords(r.Context(), schoolID(r), year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

// POST /api/schools/{schoolID}/billing/generate
func (h *Handler) GenerateBilling(w http.ResponseWriter, r *http.Request) {
	year, err := yearParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.Engine.GenerateBilling(r.Context(), schoolID(r), year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n, Message: fmt.Sprintf("Generated %d billing record(s)", n)})
}

// PATCH /api/schools/{schoolID}/billing/records/{recordID}
func (h *Handler) SetBillingStatus(w http.ResponseWriter, r *http.Request) {
	var req BillingStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	record, err := h.Engine.SetBillingStatus(r.Context(), schoolID(r), chi.URLParam(r, "recordID"), req.Status, req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// POST /api/schools/{schoolID}/rollover
func (h *Handler) Rollover(w http.ResponseWriter, r *http.Request) {
	var req RolloverRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Engine.YearEndRollover(r.Context(), schoolID(r), req.FromYear)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /api/schools/{schoolID}/broadcasts
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.Engine.Broadcast(r.Context(), coop.BroadcastInput{
		SchoolID:       schoolID(r),
		Subject:        req.Subject,
		Body:           req.Body,
		Target:         req.Target,
		OpportunityID:  req.OpportunityID,
		HoursThreshold: req.HoursThreshold,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, CountResponse{Count: n, Message: fmt.Sprintf("Queued %d message(s)", n)})
}

// nonNil keeps empty lists as [] in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
