package outbox_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/crm"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/parentcoop/hours-engine/notify"
	"github.com/parentcoop/hours-engine/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tagCall struct {
	contact string
	tag     string
	added   bool
}

type crmRecorder struct {
	// newID is what UpsertContact hands back.
	newID string
	// slow delays the first UpdateHours.
	slow time.Duration

	mu       sync.Mutex
	contacts []crm.Contact
	updates  []crm.HoursUpdate
	tags     []tagCall
}

func (c *crmRecorder) UpsertContact(_ context.Context, in crm.Contact) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacts = append(c.contacts, in)
	return c.newID, nil
}

func (c *crmRecorder) UpdateHours(_ context.Context, u crm.HoursUpdate) error {
	c.mu.Lock()
	first := len(c.updates) == 0
	c.mu.Unlock()
	if first && c.slow > 0 {
		time.Sleep(c.slow)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
	return nil
}

func (c *crmRecorder) AddTag(_ context.Context, contactID, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = append(c.tags, tagCall{contactID, tag, true})
	return nil
}

func (c *crmRecorder) RemoveTag(_ context.Context, contactID, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = append(c.tags, tagCall{contactID, tag, false})
	return nil
}

func (c *crmRecorder) all() []crm.HoursUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crm.HoursUpdate(nil), c.updates...)
}

func (c *crmRecorder) tagged() []tagCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tagCall(nil), c.tags...)
}

func (c *crmRecorder) upserted() []crm.Contact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crm.Contact(nil), c.contacts...)
}

type linkCall struct{ school, parent, contact string }

type linkRecorder struct {
	mu    sync.Mutex
	links []linkCall
}

func (l *linkRecorder) LinkCRMContact(_ context.Context, schoolID, parentID, contactID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.links = append(l.links, linkCall{schoolID, parentID, contactID})
	return nil
}

// blocking holds every dispatch until release is closed.
type blocking struct {
	release chan struct{}
	rec     notify.Recorder
}

func (b *blocking) Dispatch(ctx context.Context, kind coop.EventKind, p notify.Payload) bool {
	<-b.release
	return b.rec.Dispatch(ctx, kind, p)
}

func quiet() *log.Logger { return log.New(io.Discard) }

func TestBus_RoutesByKind(t *testing.T) {
	rec := &notify.Recorder{}
	hub := &crmRecorder{}
	bus := outbox.New(outbox.Config{Workers: 2, QueueSize: 16}, rec, hub, quiet())

	// WHEN: One notification and two hours changes, one without a contact
	bus.Publish(coop.Event{Kind: coop.EventWelcome, Email: "a@example.com", CRMContactID: "c-0"})
	bus.Publish(coop.Event{
		Kind:          coop.EventHoursChanged,
		CRMContactID:  "c-1",
		TotalHours:    generic.Hours(5),
		RequiredHours: generic.Hours(12),
		EventDate:     "2025-10-04",
	})
	bus.Publish(coop.Event{Kind: coop.EventHoursChanged})
	require.NoError(t, bus.Close(context.Background()))

	// THEN
	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, coop.EventWelcome, sent[0].Kind)
	assert.Equal(t, "a@example.com", sent[0].Payload["email"])

	updates := hub.all()
	require.Len(t, updates, 1)
	assert.Equal(t, "c-1", updates[0].ContactID)
	assert.Equal(t, "2025-10-04", updates[0].LastVolunteerDate)
	assert.Equal(t, []tagCall{
		{"c-1", "volunteer_milestone_5hrs", true},
		{"c-1", crm.TagHoursComplete, false},
	}, hub.tagged())
	assert.Empty(t, hub.upserted(), "a family with a contact is not upserted")
	assert.Equal(t, int64(0), bus.Dropped())
}

func TestBus_WelcomeCreatesAndLinksContact(t *testing.T) {
	// GIVEN: A CRM that assigns c-new and a linker
	hub := &crmRecorder{newID: "c-new"}
	links := &linkRecorder{}
	bus := outbox.New(outbox.Config{Workers: 1}, &notify.Recorder{}, hub, quiet())
	bus.LinkContacts(links)

	// WHEN: A family without a contact registers
	at := time.Date(2025, 10, 15, 9, 0, 0, 0, time.UTC)
	bus.Publish(coop.Event{
		Kind:          coop.EventWelcome,
		SchoolID:      "s-1",
		ParentID:      "p-1",
		Email:         "ana@example.com",
		FirstName:     "Ana",
		StudentNames:  "Leo, Mia",
		CRMLocationID: "loc-1",
		RequiredHours: generic.Hours(12),
		OccurredAt:    at,
	})
	require.NoError(t, bus.Close(context.Background()))

	// THEN: The contact is created and its id stored on the family
	contacts := hub.upserted()
	require.Len(t, contacts, 1)
	assert.Equal(t, "loc-1", contacts[0].LocationID)
	assert.Equal(t, "ana@example.com", contacts[0].Email)
	assert.Equal(t, "p-1", contacts[0].PortalID)
	assert.Equal(t, "Leo, Mia", contacts[0].StudentNames)
	assert.Equal(t, "2025-10-15", contacts[0].Registered)
	assert.Equal(t, []linkCall{{"s-1", "p-1", "c-new"}}, links.links)
}

func TestBus_WelcomeWithoutNewIDLinksNothing(t *testing.T) {
	links := &linkRecorder{}
	bus := outbox.New(outbox.Config{}, &notify.Recorder{}, &crmRecorder{}, quiet())
	bus.LinkContacts(links)

	bus.Publish(coop.Event{Kind: coop.EventWelcome, ParentID: "p-1", Email: "a@example.com"})
	require.NoError(t, bus.Close(context.Background()))

	assert.Empty(t, links.links)
}

func TestBus_KeepsFamilyOrderAcrossWorkers(t *testing.T) {
	// GIVEN: Several workers and a CRM that stalls on the first update
	hub := &crmRecorder{slow: 30 * time.Millisecond}
	bus := outbox.New(outbox.Config{Workers: 4, QueueSize: 16}, &notify.Recorder{}, hub, quiet())

	// WHEN: One family's total climbs five times
	for total := 1; total <= 5; total++ {
		bus.Publish(coop.Event{
			Kind:          coop.EventHoursChanged,
			ParentID:      "p-1",
			CRMContactID:  "c-1",
			TotalHours:    generic.Hours(float64(total)),
			RequiredHours: generic.Hours(12),
		})
	}
	require.NoError(t, bus.Close(context.Background()))

	// THEN: The CRM saw the totals in the order they were published
	updates := hub.all()
	require.Len(t, updates, 5)
	for i, u := range updates {
		assert.Equal(t, generic.Hours(float64(i+1)).String(), u.Completed.String())
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	// GIVEN: One worker stuck on the first event and room for one more
	d := &blocking{release: make(chan struct{})}
	bus := outbox.New(outbox.Config{Workers: 1, QueueSize: 1}, d, nil, quiet())

	bus.Publish(coop.Event{Kind: coop.EventWelcome})
	assert.Eventually(t, func() bool {
		bus.Publish(coop.Event{Kind: coop.EventWelcome})
		return bus.Dropped() > 0
	}, time.Second, time.Millisecond)

	// WHEN: Released
	close(d.release)
	require.NoError(t, bus.Close(context.Background()))

	// THEN: Everything queued was delivered, the rest counted
	assert.Positive(t, bus.Dropped())
	assert.NotEmpty(t, d.rec.Sent())
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := outbox.New(outbox.Config{}, &notify.Recorder{}, nil, quiet())
	require.NoError(t, bus.Close(context.Background()))
	require.NoError(t, bus.Close(context.Background()))

	bus.Publish(coop.Event{Kind: coop.EventWelcome})

	assert.Equal(t, int64(1), bus.Dropped())
}

func TestBus_CloseHonorsDeadline(t *testing.T) {
	d := &blocking{release: make(chan struct{})}
	defer close(d.release)
	bus := outbox.New(outbox.Config{Workers: 1}, d, nil, quiet())
	bus.Publish(coop.Event{Kind: coop.EventWelcome})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, bus.Close(ctx), context.DeadlineExceeded)
}
