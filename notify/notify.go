/*
Package notify delivers family notifications.

PURPOSE:
  Turns a coop.Event into a flat payload and hands it to a delivery
  channel. Delivery is best-effort: Dispatch reports success as a bool and
  never returns an error to the caller.

DISPATCHERS:
  Webhook:   JSON POST to a per-kind URL (automation platform triggers)
  SendGrid:  Plain-text email rendered from the payload
  Logger:    Logs the payload only (development)
  Multi:     Fans out to several dispatchers
  Recorder:  Keeps payloads in memory (tests)

PAYLOAD FIELDS:
  type, email, first_name            always
  event_title, event_date,
  start_time, end_time, location     opportunity events
  hours_credit                       signup_confirmation, thank_you
  total_hours, required_hours,
  hours_remaining                    thank_you, milestone, welcome, broadcast
  progress_percentage                thank_you
  milestone                          milestone
  subject, body                      broadcast

  Dates render as "Monday, January 2, 2006", times as "3:04 PM".

SEE ALSO:
  - outbox: Calls Dispatch from its workers
  - coop/events.go: Event kinds
*/
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// Payload is the flat body of one notification.
type Payload map[string]any

// Dispatcher delivers one notification of kind.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind coop.EventKind, p Payload) bool
}

// =============================================================================
// PAYLOADS
// =============================================================================

const (
	longDate  = "Monday, January 2, 2006"
	clockTime = "3:04 PM"
)

// PayloadFor builds the payload for e. Hours are sent as JSON numbers.
func PayloadFor(e coop.Event) Payload {
	p := Payload{
		"type":       string(e.Kind),
		"email":      e.Email,
		"first_name": e.FirstName,
	}
	remaining := generic.FloorZero(e.RequiredHours.Sub(e.TotalHours))

	switch e.Kind {
	case coop.EventWelcome:
		p["required_hours"] = number(e.RequiredHours)
		p["hours_completed"] = number(e.TotalHours)
		p["hours_remaining"] = number(remaining)
	case coop.EventSignupConfirmation, coop.EventReminder:
		addOpportunity(p, e)
		if e.Kind == coop.EventSignupConfirmation {
			p["hours_credit"] = number(e.HoursCredited)
		}
	case coop.EventThankYou:
		p["event_title"] = e.OpportunityTitle
		p["hours_credit"] = number(e.HoursCredited)
		p["total_hours"] = number(e.TotalHours)
		p["required_hours"] = number(e.RequiredHours)
		p["hours_remaining"] = number(remaining)
		p["progress_percentage"] = coop.ProgressPercent(e.TotalHours, e.RequiredHours)
	case coop.EventCancellation:
		p["event_title"] = e.OpportunityTitle
		p["event_date"] = FormatDate(e.EventDate)
	case coop.EventMilestone:
		p["milestone"] = e.Milestone
		p["total_hours"] = number(e.TotalHours)
		p["required_hours"] = number(e.RequiredHours)
		p["hours_remaining"] = number(remaining)
	case coop.EventBroadcast:
		p["subject"] = e.Subject
		p["body"] = e.Body
		p["hours_remaining"] = number(remaining)
	}
	return p
}

func addOpportunity(p Payload, e coop.Event) {
	p["event_title"] = e.OpportunityTitle
	p["event_date"] = FormatDate(e.EventDate)
	p["start_time"] = FormatTime(e.StartTime)
	p["end_time"] = FormatTime(e.EndTime)
	p["location"] = e.Location
}

func number(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// FormatDate renders a YYYY-MM-DD date for people. Unparseable input is
// returned unchanged.
func FormatDate(date string) string {
	t, err := time.Parse(generic.DateLayout, date)
	if err != nil {
		return date
	}
	return t.Format(longDate)
}

// FormatTime renders HH:MM on a 12-hour clock.
func FormatTime(hhmm string) string {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return hhmm
	}
	return t.Format(clockTime)
}

// =============================================================================
// SIMPLE DISPATCHERS
// =============================================================================

// Multi dispatches to every dispatcher and succeeds if any one does.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, kind coop.EventKind, p Payload) bool {
	ok := false
	for _, d := range m {
		if d.Dispatch(ctx, kind, p) {
			ok = true
		}
	}
	return ok
}

// Logger only logs.
type Logger struct {
	Log *log.Logger
}

func (l Logger) Dispatch(_ context.Context, kind coop.EventKind, p Payload) bool {
	l.Log.Info("notification", "kind", kind, "email", p["email"])
	return true
}

// Recorded is one captured notification.
type Recorded struct {
	Kind    coop.EventKind
	Payload Payload
}

// Recorder keeps every dispatched payload. Safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	sent []Recorded
}

func (r *Recorder) Dispatch(_ context.Context, kind coop.EventKind, p Payload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Recorded{Kind: kind, Payload: p})
	return true
}

// Sent returns a copy of what has been dispatched so far.
func (r *Recorder) Sent() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.sent...)
}
