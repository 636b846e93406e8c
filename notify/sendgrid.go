package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/parentcoop/hours-engine/coop"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendgridEndpoint = "/v3/mail/send"

// SendGrid emails the family directly. Host defaults to the public API and
// is overridable for tests.
type SendGrid struct {
	Key       string
	Host      string
	From      *sgmail.Email
	PortalURL string
	Log       *log.Logger
}

func NewSendGrid(key, fromName, fromAddress, portalURL string, logger *log.Logger) *SendGrid {
	return &SendGrid{
		Key:       key,
		Host:      "https://api.sendgrid.com",
		From:      sgmail.NewEmail(fromName, fromAddress),
		PortalURL: portalURL,
		Log:       logger,
	}
}

func (s *SendGrid) Dispatch(_ context.Context, kind coop.EventKind, p Payload) bool {
	to, _ := p["email"].(string)
	if to == "" {
		s.Log.Warn("email skipped, no recipient", "kind", kind)
		return false
	}
	subject, body := Render(kind, p)
	if subject == "" {
		s.Log.Debug("no email template", "kind", kind)
		return false
	}
	if s.PortalURL != "" {
		body += "\n\nVisit the portal: " + s.PortalURL
	}

	req := sendgrid.GetRequest(s.Key, sendgridEndpoint, s.Host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(to, str(p, "first_name"), subject, body))

	res, err := sendgrid.API(req)
	if err != nil {
		s.Log.Error("sending email", "kind", kind, "err", err)
		return false
	}
	if res.StatusCode >= http.StatusBadRequest {
		s.Log.Error("sending email", "kind", kind, "status", res.StatusCode, "body", res.Body)
		return false
	}
	s.Log.Info("email sent", "kind", kind, "to", to)
	return true
}

func (s *SendGrid) prepare(to, name, subject, body string) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = subject
	p.AddTos(sgmail.NewEmail(name, to))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.From)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", body))
	return m
}

// Render produces the subject and plain-text body for kind. An empty
// subject means the kind has no email.
func Render(kind coop.EventKind, p Payload) (subject, body string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", str(p, "first_name"))

	switch kind {
	case coop.EventWelcome:
		subject = "Welcome to the co-op"
		fmt.Fprintf(&b, "Your family commitment this year is %v volunteer hours.", p["required_hours"])
	case coop.EventSignupConfirmation:
		subject = "You're signed up: " + str(p, "event_title")
		fmt.Fprintf(&b, "See you on %s from %s to %s at %s.\nThis event earns %v hours.",
			str(p, "event_date"), str(p, "start_time"), str(p, "end_time"), str(p, "location"), p["hours_credit"])
	case coop.EventReminder:
		subject = "Reminder: " + str(p, "event_title") + " is tomorrow"
		fmt.Fprintf(&b, "%s, %s to %s at %s.",
			str(p, "event_date"), str(p, "start_time"), str(p, "end_time"), str(p, "location"))
	case coop.EventThankYou:
		subject = "Thank you for volunteering"
		fmt.Fprintf(&b, "You earned %v hours at %s. You have %v of %v hours (%v%%).",
			p["hours_credit"], str(p, "event_title"), p["total_hours"], p["required_hours"], p["progress_percentage"])
	case coop.EventCancellation:
		subject = "Signup cancelled: " + str(p, "event_title")
		fmt.Fprintf(&b, "Your signup for %s on %s has been cancelled.", str(p, "event_title"), str(p, "event_date"))
	case coop.EventMilestone:
		subject = fmt.Sprintf("You reached %v%% of your hours", p["milestone"])
		fmt.Fprintf(&b, "You have %v of %v hours. %v to go.", p["total_hours"], p["required_hours"], p["hours_remaining"])
	case coop.EventBroadcast:
		subject = str(p, "subject")
		b.WriteString(str(p, "body"))
	default:
		return "", ""
	}
	return subject, b.String()
}

func str(p Payload, key string) string {
	s, _ := p[key].(string)
	return s
}
