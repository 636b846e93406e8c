/*
Package crm keeps each family's CRM contact in step with its ledger.

PURPOSE:
  Creates the contact when a family registers, then pushes hour totals and
  progress tags whenever the ledger moves so staff can segment and follow
  up outside this service. Sync is one-way and best-effort.

KEY CONCEPTS:
  Contact:     Registration details plus the opening totals
  HoursUpdate: Completed and required hours plus the last volunteer date
  Tags:        volunteer_hours_complete while the requirement is met, one
               volunteer_milestone_{n}hrs tag per milestone reached
  HighLevel:   LeadConnector contacts API, custom fields per value
  Retry:       Attempts with a linear backoff (Backoff x attempt)

SEE ALSO:
  - outbox: Calls UpsertContact on welcome, UpdateHours and the tag
    operations on hours_changed
*/
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

const (
	TagPortalActive  = "volunteer_portal_active"
	TagHoursComplete = "volunteer_hours_complete"
)

// MilestoneTag names the tag for a running-total milestone.
func MilestoneTag(hours int) string {
	return fmt.Sprintf("volunteer_milestone_%dhrs", hours)
}

// Contact is what the CRM learns about a family at registration.
type Contact struct {
	LocationID   string // empty uses the client's default location
	Email        string
	FirstName    string
	LastName     string
	Phone        string
	StudentNames string
	PortalID     string
	Completed    decimal.Decimal
	Required     decimal.Decimal
	Registered   string // YYYY-MM-DD
}

// HoursUpdate is what the CRM learns when the ledger moves.
type HoursUpdate struct {
	ContactID         string
	Completed         decimal.Decimal
	Required          decimal.Decimal
	LastVolunteerDate string // YYYY-MM-DD, empty when unknown
}

func (u HoursUpdate) Remaining() decimal.Decimal {
	return generic.FloorZero(u.Required.Sub(u.Completed))
}

// Tags returns the tags u earns and the ones it no longer holds. Milestone
// tags are never taken away.
func Tags(u HoursUpdate, milestones []int) (add, remove []string) {
	if u.Completed.GreaterThanOrEqual(u.Required) {
		add = append(add, TagHoursComplete)
	} else {
		remove = append(remove, TagHoursComplete)
	}
	for _, m := range milestones {
		if u.Completed.GreaterThanOrEqual(decimal.NewFromInt(int64(m))) {
			add = append(add, MilestoneTag(m))
		}
	}
	return add, remove
}

type Client interface {
	// UpsertContact finds the contact by email or creates it, and returns
	// its id.
	UpsertContact(ctx context.Context, c Contact) (string, error)
	UpdateHours(ctx context.Context, u HoursUpdate) error
	AddTag(ctx context.Context, contactID, tag string) error
	RemoveTag(ctx context.Context, contactID, tag string) error
}

// Noop accepts every call without sending anything. UpsertContact returns an
// empty id, so nothing gets linked.
type Noop struct{}

func (Noop) UpsertContact(context.Context, Contact) (string, error) { return "", nil }
func (Noop) UpdateHours(context.Context, HoursUpdate) error         { return nil }
func (Noop) AddTag(context.Context, string, string) error           { return nil }
func (Noop) RemoveTag(context.Context, string, string) error        { return nil }

// =============================================================================
// HIGHLEVEL
// =============================================================================

const (
	DefaultBaseURL = "https://services.leadconnectorhq.com"
	apiVersion     = "2021-07-28"
)

type HighLevel struct {
	BaseURL    string
	APIKey     string
	LocationID string
	Attempts   int
	Backoff    time.Duration
	Client     *http.Client
	Log        *log.Logger
}

func NewHighLevel(apiKey string, logger *log.Logger) *HighLevel {
	return &HighLevel{
		BaseURL:  DefaultBaseURL,
		APIKey:   apiKey,
		Attempts: 3,
		Backoff:  time.Second,
		Client:   &http.Client{Timeout: 10 * time.Second},
		Log:      logger,
	}
}

type customField struct {
	Key   string `json:"key"`
	Value any    `json:"field_value"`
}

type contactBody struct {
	LocationID   string        `json:"locationId,omitempty"`
	Email        string        `json:"email,omitempty"`
	FirstName    string        `json:"firstName,omitempty"`
	LastName     string        `json:"lastName,omitempty"`
	Phone        string        `json:"phone,omitempty"`
	CustomFields []customField `json:"customFields,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
}

type tagsBody struct {
	Tags []string `json:"tags"`
}

func hourFields(completed, required decimal.Decimal) []customField {
	return []customField{
		{Key: "volunteer_hours_completed", Value: completed.String()},
		{Key: "volunteer_hours_required", Value: required.String()},
		{Key: "volunteer_hours_remaining", Value: generic.FloorZero(required.Sub(completed)).String()},
	}
}

func (h *HighLevel) UpsertContact(ctx context.Context, c Contact) (string, error) {
	if c.Email == "" {
		return "", generic.Invalid("email", "required")
	}
	location := c.LocationID
	if location == "" {
		location = h.LocationID
	}
	if location == "" {
		return "", generic.Invalid("location_id", "required")
	}

	fields := append(hourFields(c.Completed, c.Required),
		customField{Key: "student_names", Value: c.StudentNames},
		customField{Key: "parent_portal_id", Value: c.PortalID},
		customField{Key: "volunteer_portal_registered", Value: c.Registered},
	)
	body := contactBody{
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		Phone:        c.Phone,
		CustomFields: fields,
	}

	var found struct {
		Contacts []struct {
			ID string `json:"id"`
		} `json:"contacts"`
	}
	query := url.Values{"locationId": {location}, "query": {c.Email}}
	err := h.do(ctx, http.MethodGet, "/contacts/?"+query.Encode(), nil, &found)
	switch {
	case err != nil:
		h.Log.Warn("crm contact search failed, creating", "email", c.Email, "err", err)
	case len(found.Contacts) > 0:
		id := found.Contacts[0].ID
		if err := h.do(ctx, http.MethodPut, "/contacts/"+id, body, nil); err != nil {
			return "", fmt.Errorf("update contact %s: %w", id, err)
		}
		h.Log.Info("crm contact updated", "contact", id)
		return id, nil
	}

	body.LocationID = location
	body.Email = c.Email
	body.Tags = []string{TagPortalActive}
	var created struct {
		ID      string `json:"id"`
		Contact struct {
			ID string `json:"id"`
		} `json:"contact"`
	}
	if err := h.do(ctx, http.MethodPost, "/contacts/", body, &created); err != nil {
		return "", fmt.Errorf("create contact: %w", err)
	}
	id := created.Contact.ID
	if id == "" {
		id = created.ID
	}
	if id == "" {
		return "", fmt.Errorf("create contact: response carried no id")
	}
	h.Log.Info("crm contact created", "contact", id)
	return id, nil
}

func (h *HighLevel) UpdateHours(ctx context.Context, u HoursUpdate) error {
	if u.ContactID == "" {
		return generic.Invalid("contact_id", "required")
	}
	fields := hourFields(u.Completed, u.Required)
	if u.LastVolunteerDate != "" {
		fields = append(fields, customField{Key: "last_volunteer_date", Value: u.LastVolunteerDate})
	}
	if err := h.do(ctx, http.MethodPut, "/contacts/"+u.ContactID, contactBody{CustomFields: fields}, nil); err != nil {
		return fmt.Errorf("update contact %s: %w", u.ContactID, err)
	}
	h.Log.Info("crm contact updated", "contact", u.ContactID, "completed", u.Completed)
	return nil
}

func (h *HighLevel) AddTag(ctx context.Context, contactID, tag string) error {
	return h.tag(ctx, http.MethodPost, contactID, tag)
}

func (h *HighLevel) RemoveTag(ctx context.Context, contactID, tag string) error {
	return h.tag(ctx, http.MethodDelete, contactID, tag)
}

func (h *HighLevel) tag(ctx context.Context, method, contactID, tag string) error {
	if contactID == "" {
		return generic.Invalid("contact_id", "required")
	}
	if err := h.do(ctx, method, "/contacts/"+contactID+"/tags", tagsBody{Tags: []string{tag}}, nil); err != nil {
		return fmt.Errorf("tag %s on %s: %w", tag, contactID, err)
	}
	return nil
}

// do sends one API call with retries and decodes the response into out
// when out is non-nil.
func (h *HighLevel) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	attempts := h.Attempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := h.send(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		if attempt == attempts {
			return fmt.Errorf("%s %s after %d attempts: %w", method, path, attempts, err)
		}
		h.Log.Warn("crm call failed, retrying", "method", method, "path", path, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.Backoff * time.Duration(attempt)):
		}
	}
}

func (h *HighLevel) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+h.APIKey)
	req.Header.Set("Version", apiVersion)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
