package coop_test

import (
	"testing"

	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcast_Targets(t *testing.T) {
	// GIVEN: Three families; one done, one attending an event
	f := newTestFixture(t)
	done := f.parent(t, "done@example.com", 1)
	going := f.parent(t, "going@example.com", 1)
	f.parent(t, "idle@example.com", 1)
	f.credit(t, done.ID, 12)
	f.credit(t, going.ID, 3)
	o := f.opportunity(t, "2025-11-01", 5, 2)
	_, err := f.signups.Signup(f.ctx, f.school.ID, going.ID, o.ID)
	require.NoError(t, err)

	send := func(in coop.BroadcastInput) []coop.Event {
		t.Helper()
		f.events.reset()
		in.SchoolID, in.Subject, in.Body = f.school.ID, "Spring fair", "Sign up!"
		n, err := f.engine.Broadcast(f.ctx, in)
		require.NoError(t, err)
		sent := f.events.ofKind(coop.EventBroadcast)
		assert.Len(t, sent, n)
		return sent
	}

	assert.Len(t, send(coop.BroadcastInput{Target: coop.BroadcastAll}), 3)
	assert.Len(t, send(coop.BroadcastInput{Target: coop.BroadcastLowHours}), 2)

	four := generic.Hours(4)
	low := send(coop.BroadcastInput{Target: coop.BroadcastLowHours, HoursThreshold: &four})
	assert.Len(t, low, 2)

	event := send(coop.BroadcastInput{Target: coop.BroadcastEvent, OpportunityID: o.ID})
	require.Len(t, event, 1)
	assert.Equal(t, "going@example.com", event[0].Email)
	assert.Equal(t, "Spring fair", event[0].Subject)
	assertDecimal(t, "12", event[0].RequiredHours)
}

func TestBroadcast_Validation(t *testing.T) {
	f := newTestFixture(t)

	for name, in := range map[string]coop.BroadcastInput{
		"no subject":     {SchoolID: f.school.ID, Body: "b", Target: coop.BroadcastAll},
		"no body":        {SchoolID: f.school.ID, Subject: "s", Target: coop.BroadcastAll},
		"unknown target": {SchoolID: f.school.ID, Subject: "s", Body: "b", Target: "vip"},
		"event without id": {
			SchoolID: f.school.ID, Subject: "s", Body: "b", Target: coop.BroadcastEvent,
		},
	} {
		_, err := f.engine.Broadcast(f.ctx, in)
		assert.True(t, generic.IsValidation(err), name)
	}
}

func TestStats(t *testing.T) {
	f := newTestFixture(t)
	a := f.parent(t, "a@example.com", 1)
	b := f.parent(t, "b@example.com", 1)
	f.parent(t, "c@example.com", 1)
	f.credit(t, a.ID, 12)
	f.credit(t, b.ID, 6)
	f.opportunity(t, "2025-12-01", 3, 2)
	f.opportunity(t, "2025-09-01", 3, 2)

	stats, err := f.engine.Stats(f.ctx, f.school.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalParents)
	assertDecimal(t, "18", stats.TotalHours)
	assertDecimal(t, "6", stats.AvgHoursPerParent)
	assert.Equal(t, 1, stats.CompletedParents)
	assert.Equal(t, 33, stats.CompletionRate)
	assert.Equal(t, 1, stats.UpcomingEvents)
	assert.Equal(t, []coop.HoursBucket{
		{"0 hours", 1},
		{"1-4 hours", 0},
		{"5-9 hours", 1},
		{"10-14 hours", 1},
		{"15-19 hours", 0},
		{"20+ hours", 0},
	}, stats.Distribution)
}
