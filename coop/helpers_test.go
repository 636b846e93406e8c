package coop_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/parentcoop/hours-engine/store/sqlstore"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// mid-October 2025: inside the 2025-2026 cycle, before the April deadline
var testNow = time.Date(2025, time.October, 15, 10, 0, 0, 0, time.UTC)

var y25 = generic.MustAcademicYear("2025-2026")

// eventLog records published events.
type eventLog struct {
	mu     sync.Mutex
	events []coop.Event
}

func (l *eventLog) Publish(e coop.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []coop.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]coop.EventKind, 0, len(l.events))
	for _, e := range l.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (l *eventLog) ofKind(kind coop.EventKind) []coop.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []coop.Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

type fixture struct {
	ctx     context.Context
	store   *sqlstore.Store
	events  *eventLog
	dir     *coop.Directory
	engine  *coop.Engine
	signups *coop.StateMachine
	school  *coop.School
}

func newTestFixture(t *testing.T) *fixture {
	return newTestFixtureAt(t, testNow)
}

func newTestFixtureAt(t *testing.T, now time.Time) *fixture {
	t.Helper()
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	events := &eventLog{}
	deps := coop.Deps{Store: store, Clock: generic.FixedClock(now), Events: events}
	f := &fixture{
		ctx:     context.Background(),
		store:   store,
		events:  events,
		dir:     coop.NewDirectory(deps),
		engine:  coop.NewEngine(deps),
		signups: coop.NewStateMachine(deps),
	}

	f.school, err = f.dir.CreateSchool(f.ctx, "Maple Co-op", coop.SchoolSettings{})
	require.NoError(t, err)
	return f
}

func (f *fixture) parent(t *testing.T, email string, students int) *coop.Parent {
	t.Helper()
	p, err := f.dir.RegisterParent(f.ctx, coop.RegisterInput{
		SchoolID:     f.school.ID,
		Email:        email,
		FirstName:    "Pat",
		LastName:     email,
		StudentCount: students,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) opportunity(t *testing.T, date string, slots int, credit float64) *coop.Opportunity {
	t.Helper()
	o, err := f.signups.CreateOpportunity(f.ctx, coop.OpportunityInput{
		SchoolID:    f.school.ID,
		Title:       "Garden day",
		EventDate:   date,
		StartTime:   "09:00",
		EndTime:     "12:00",
		HoursCredit: generic.Hours(credit),
		TotalSlots:  slots,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) reload(t *testing.T, parentID string) *coop.Parent {
	t.Helper()
	p, err := f.dir.GetParent(f.ctx, f.school.ID, parentID)
	require.NoError(t, err)
	return p
}

func (f *fixture) reloadOpportunity(t *testing.T, id string) *coop.Opportunity {
	t.Helper()
	o, err := f.signups.GetOpportunity(f.ctx, f.school.ID, id)
	require.NoError(t, err)
	return o
}

func (f *fixture) credit(t *testing.T, parentID string, hours float64) {
	t.Helper()
	_, err := f.engine.RecordAdjustment(f.ctx, coop.AdjustmentInput{
		SchoolID: f.school.ID,
		ParentID: parentID,
		Type:     coop.AdjustmentManualCredit,
		Hours:    generic.Hours(hours),
	})
	require.NoError(t, err)
}
