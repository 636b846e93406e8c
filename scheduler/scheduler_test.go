package scheduler_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/parentcoop/hours-engine/scheduler"
	"github.com/parentcoop/hours-engine/store/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type published struct {
	mu     sync.Mutex
	events []coop.Event
}

func (p *published) Publish(e coop.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *published) ofKind(kind coop.EventKind) []coop.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []coop.Event
	for _, e := range p.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	ctx    context.Context
	clock  *movableClock
	events *published
	deps   scheduler.Deps
	sched  *scheduler.Scheduler
	school *coop.School
}

func newTestScheduler(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		ctx:    context.Background(),
		clock:  &movableClock{now: time.Date(2025, time.October, 15, 8, 0, 0, 0, time.UTC)},
		events: &published{},
	}
	logger := log.New(io.Discard)
	core := coop.Deps{Store: store, Clock: f.clock, Events: f.events, Logger: logger}
	f.deps = scheduler.Deps{
		Directory: coop.NewDirectory(core),
		Engine:    coop.NewEngine(core),
		Signups:   coop.NewStateMachine(core),
		Events:    f.events,
		Clock:     f.clock,
		Logger:    logger,
	}
	f.sched, err = scheduler.New(scheduler.DefaultConfig(), f.deps)
	require.NoError(t, err)

	f.school, err = f.deps.Directory.CreateSchool(f.ctx, "Maple Co-op", coop.SchoolSettings{})
	require.NoError(t, err)
	return f
}

func (f *fixture) parent(t *testing.T, email string) *coop.Parent {
	t.Helper()
	p, err := f.deps.Directory.RegisterParent(f.ctx, coop.RegisterInput{
		SchoolID: f.school.ID, Email: email, FirstName: "Pat", LastName: "Lee", StudentCount: 1,
	})
	require.NoError(t, err)
	return p
}

func TestSendReminders_OncePerSignup(t *testing.T) {
	// GIVEN: A signup for tomorrow and one for next week
	f := newTestScheduler(t)
	p := f.parent(t, "pat@example.com")
	for _, date := range []string{"2025-10-16", "2025-10-22"} {
		o, err := f.deps.Signups.CreateOpportunity(f.ctx, coop.OpportunityInput{
			SchoolID: f.school.ID, Title: "Library shift", EventDate: date,
			StartTime: "15:00", EndTime: "17:00", HoursCredit: generic.Hours(2), TotalSlots: 2,
		})
		require.NoError(t, err)
		_, err = f.deps.Signups.Signup(f.ctx, f.school.ID, p.ID, o.ID)
		require.NoError(t, err)
	}

	// WHEN: The job runs twice
	first, err := f.sched.SendReminders(f.ctx)
	require.NoError(t, err)
	second, err := f.sched.SendReminders(f.ctx)
	require.NoError(t, err)

	// THEN: Only tomorrow's event is reminded, once
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
	reminders := f.events.ofKind(coop.EventReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, "2025-10-16", reminders[0].EventDate)
	assert.Equal(t, "pat@example.com", reminders[0].Email)
}

func TestRunBilling_WaitsForDeadline(t *testing.T) {
	// GIVEN: A family 8 hours short
	f := newTestScheduler(t)
	p := f.parent(t, "pat@example.com")
	_, err := f.deps.Engine.RecordAdjustment(f.ctx, coop.AdjustmentInput{
		SchoolID: f.school.ID, ParentID: p.ID, Type: coop.AdjustmentManualCredit, Hours: generic.Hours(4),
	})
	require.NoError(t, err)

	// WHEN: Run on the last day of the cycle
	f.clock.set(time.Date(2026, time.April, 30, 6, 0, 0, 0, time.UTC))
	before, err := f.sched.RunBilling(f.ctx)
	require.NoError(t, err)

	// THEN: Nothing is billed yet
	assert.Equal(t, 0, before)

	// WHEN: Run after the deadline, twice
	f.clock.set(time.Date(2026, time.May, 2, 6, 0, 0, 0, time.UTC))
	after, err := f.sched.RunBilling(f.ctx)
	require.NoError(t, err)
	again, err := f.sched.RunBilling(f.ctx)
	require.NoError(t, err)

	// THEN: One bill, created once
	assert.Equal(t, 1, after)
	assert.Equal(t, 0, again)

	summary, err := f.deps.Engine.BillingSummary(f.ctx, f.school.ID, f.school.CurrentAcademicYear)
	require.NoError(t, err)
	require.Len(t, summary.Families, 1)
	assert.Equal(t, "240", summary.Families[0].AmountDue.String())
}

func TestNew_RejectsBadSpec(t *testing.T) {
	f := newTestScheduler(t)

	_, err := scheduler.New(scheduler.Config{ReminderSpec: "every day", BillingSpec: "0 6 * * *"}, f.deps)

	assert.ErrorContains(t, err, "reminder schedule")
}

func TestStartStop(t *testing.T) {
	f := newTestScheduler(t)

	f.sched.Start()
	ctx := f.sched.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
