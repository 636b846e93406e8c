package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/parentcoop/hours-engine/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *log.Logger { return log.New(io.Discard) }

func thankYou() coop.Event {
	return coop.Event{
		Kind:             coop.EventThankYou,
		Email:            "ana@example.com",
		FirstName:        "Ana",
		OpportunityTitle: "Garden day",
		EventDate:        "2025-11-03",
		StartTime:        "09:00",
		EndTime:          "13:30",
		HoursCredited:    generic.Hours(3.5),
		TotalHours:       generic.Hours(6),
		RequiredHours:    generic.Hours(24),
	}
}

func TestPayloadFor_ThankYou(t *testing.T) {
	p := notify.PayloadFor(thankYou())

	assert.Equal(t, "thank_you", p["type"])
	assert.Equal(t, "ana@example.com", p["email"])
	assert.Equal(t, "Ana", p["first_name"])
	assert.Equal(t, 3.5, p["hours_credit"])
	assert.Equal(t, 6.0, p["total_hours"])
	assert.Equal(t, 24.0, p["required_hours"])
	assert.Equal(t, 18.0, p["hours_remaining"])
	assert.Equal(t, 25, p["progress_percentage"])
}

func TestPayloadFor_OpportunityFormatting(t *testing.T) {
	e := thankYou()
	e.Kind = coop.EventSignupConfirmation
	e.Location = "Back field"
	e.HoursCredited = generic.Hours(2)

	p := notify.PayloadFor(e)

	assert.Equal(t, "Monday, November 3, 2025", p["event_date"])
	assert.Equal(t, "9:00 AM", p["start_time"])
	assert.Equal(t, "1:30 PM", p["end_time"])
	assert.Equal(t, "Back field", p["location"])
	assert.Equal(t, 2.0, p["hours_credit"])
	assert.NotContains(t, p, "total_hours")
}

func TestPayloadFor_RemainingNeverNegative(t *testing.T) {
	e := coop.Event{Kind: coop.EventMilestone, Milestone: 100, TotalHours: generic.Hours(30), RequiredHours: generic.Hours(24)}

	p := notify.PayloadFor(e)

	assert.Equal(t, 100, p["milestone"])
	assert.Equal(t, 0.0, p["hours_remaining"])
}

func TestFormatting_BadInputPassesThrough(t *testing.T) {
	assert.Equal(t, "soon", notify.FormatDate("soon"))
	assert.Equal(t, "noonish", notify.FormatTime("noonish"))
}

func TestWebhook_PostsPayloadWithPortalURL(t *testing.T) {
	var (
		mu   sync.Mutex
		got  map[string]any
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := notify.NewWebhook(map[coop.EventKind]string{
		coop.EventThankYou: srv.URL + "/thanks",
	}, "https://portal.example.com", quiet())

	// WHEN: A configured kind and an unconfigured kind are dispatched
	ok := hook.Dispatch(context.Background(), coop.EventThankYou, notify.PayloadFor(thankYou()))
	skipped := hook.Dispatch(context.Background(), coop.EventReminder, notify.Payload{"email": "x@example.com"})

	// THEN: Only the configured one is posted
	assert.True(t, ok)
	assert.False(t, skipped)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits)
	assert.Equal(t, "https://portal.example.com", got["portal_url"])
	assert.Equal(t, "thank_you", got["type"])
	assert.Equal(t, 3.5, got["hours_credit"])
}

func TestWebhook_ServerErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := notify.NewWebhook(map[coop.EventKind]string{coop.EventWelcome: srv.URL}, "", quiet())

	assert.False(t, hook.Dispatch(context.Background(), coop.EventWelcome, notify.Payload{}))
}

func TestSendGrid_PostsMail(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sg := notify.NewSendGrid("sg-key", "Maple Co-op", "office@maple.example", "", quiet())
	sg.Host = srv.URL

	ok := sg.Dispatch(context.Background(), coop.EventThankYou, notify.PayloadFor(thankYou()))

	require.True(t, ok)
	personalizations := body["personalizations"].([]any)
	require.Len(t, personalizations, 1)
	first := personalizations[0].(map[string]any)
	assert.Equal(t, "Thank you for volunteering", first["subject"])
}

func TestSendGrid_NoRecipient(t *testing.T) {
	sg := notify.NewSendGrid("k", "", "office@maple.example", "", quiet())
	sg.Host = "http://127.0.0.1:1"

	assert.False(t, sg.Dispatch(context.Background(), coop.EventWelcome, notify.Payload{}))
}

func TestRender(t *testing.T) {
	subject, body := notify.Render(coop.EventBroadcast, notify.Payload{
		"first_name": "Ana", "subject": "Spring fair", "body": "Sign up!",
	})
	assert.Equal(t, "Spring fair", subject)
	assert.Equal(t, "Hi Ana,\n\nSign up!", body)

	subject, _ = notify.Render(coop.EventHoursChanged, notify.Payload{})
	assert.Empty(t, subject)
}

type fixed bool

func (f fixed) Dispatch(context.Context, coop.EventKind, notify.Payload) bool { return bool(f) }

func TestMulti(t *testing.T) {
	rec := &notify.Recorder{}

	assert.True(t, notify.Multi{fixed(false), rec}.Dispatch(context.Background(), coop.EventWelcome, notify.Payload{}))
	assert.False(t, notify.Multi{fixed(false), fixed(false)}.Dispatch(context.Background(), coop.EventWelcome, nil))
	assert.False(t, notify.Multi{}.Dispatch(context.Background(), coop.EventWelcome, nil))

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, coop.EventWelcome, sent[0].Kind)
}
