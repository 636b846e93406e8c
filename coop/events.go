package coop

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DOMAIN EVENTS - Emitted after commit, delivered best-effort
// =============================================================================

type EventKind string

const (
	EventWelcome            EventKind = "welcome"
	EventSignupConfirmation EventKind = "signup_confirmation"
	EventReminder           EventKind = "event_reminder"
	EventThankYou           EventKind = "thank_you"
	EventCancellation       EventKind = "cancellation"
	EventMilestone          EventKind = "milestone"
	EventBroadcast          EventKind = "broadcast"

	// EventHoursChanged carries no notification; it drives the CRM sync.
	EventHoursChanged EventKind = "hours_changed"
)

// Event is a flat record of what happened. Only the fields relevant to the
// kind are set.
type Event struct {
	Kind          EventKind
	SchoolID      string
	ParentID      string
	Email         string
	FirstName     string
	LastName      string
	Phone         string
	StudentNames  string
	CRMContactID  string
	CRMLocationID string // welcome only

	OpportunityTitle string
	EventDate        string
	StartTime        string
	EndTime          string
	Location         string

	HoursCredited decimal.Decimal
	TotalHours    decimal.Decimal
	RequiredHours decimal.Decimal
	Milestone     int

	Subject string
	Body    string

	OccurredAt time.Time
}

// Publisher hands events to whatever performs side effects. Publish must not
// block and must not fail the caller.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// parentEvent fills the recipient fields shared by every event kind.
func parentEvent(kind EventKind, p Parent, at time.Time) Event {
	return Event{
		Kind:         kind,
		SchoolID:     p.SchoolID,
		ParentID:     p.ID,
		Email:        p.Email,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		Phone:        p.Phone,
		StudentNames: p.StudentNames,
		CRMContactID: p.CRMContactID,
		OccurredAt:   at,
	}
}

func withOpportunity(e Event, o Opportunity) Event {
	e.OpportunityTitle = o.Title
	e.EventDate = o.EventDate
	e.StartTime = o.StartTime
	e.EndTime = o.EndTime
	e.Location = o.Location
	return e
}
