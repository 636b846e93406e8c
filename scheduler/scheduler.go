/*
Package scheduler runs the daily co-op jobs.

PURPOSE:
  Two jobs run on cron schedules:
    - Reminders: families signed up for tomorrow's events get one reminder
    - Billing:   once a school's billing deadline has passed for its current
                 year, families still short are billed

  Both jobs are idempotent. Reminders are flagged as sent and billing skips
  families already billed, so overlapping or repeated runs do no harm.

CONFIGURATION:
  ReminderSpec: cron expression (default "0 9 * * *")
  BillingSpec:  cron expression (default "0 6 * * *")

USAGE:
  s, err := scheduler.New(cfg, deps)
  s.Start()
  // ... later
  <-s.Stop().Done()

SEE ALSO:
  - coop/signup.go: Reminders
  - coop/reconciliation.go: GenerateBilling
*/
package scheduler

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/robfig/cron/v3"
)

type Config struct {
	ReminderSpec string
	BillingSpec  string
}

func DefaultConfig() Config {
	return Config{ReminderSpec: "0 9 * * *", BillingSpec: "0 6 * * *"}
}

type Deps struct {
	Directory *coop.Directory
	Engine    *coop.Engine
	Signups   *coop.StateMachine
	Events    coop.Publisher
	Clock     generic.Clock
	Logger    *log.Logger
}

type Scheduler struct {
	Deps
	cron *cron.Cron
}

// New registers both jobs. Nothing runs until Start.
func New(cfg Config, d Deps) (*Scheduler, error) {
	if d.Clock == nil {
		d.Clock = generic.SystemClock{}
	}
	if d.Events == nil {
		d.Events = coop.Discard
	}
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	d.Logger = d.Logger.WithPrefix("scheduler")

	logger := cron.PrintfLogger(d.Logger)
	s := &Scheduler{
		Deps: d,
		cron: cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
	}
	if _, err := s.cron.AddFunc(cfg.ReminderSpec, s.runReminders); err != nil {
		return nil, fmt.Errorf("reminder schedule %q: %w", cfg.ReminderSpec, err)
	}
	if _, err := s.cron.AddFunc(cfg.BillingSpec, s.runBilling); err != nil {
		return nil, fmt.Errorf("billing schedule %q: %w", cfg.BillingSpec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.Logger.Info("started", "jobs", len(s.cron.Entries()))
}

// Stop prevents new runs. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.Logger.Info("stopping")
	return ctx
}

func (s *Scheduler) runReminders() {
	if _, err := s.SendReminders(context.Background()); err != nil {
		s.Logger.Error("reminders failed", "err", err)
	}
}

func (s *Scheduler) runBilling() {
	if _, err := s.RunBilling(context.Background()); err != nil {
		s.Logger.Error("billing failed", "err", err)
	}
}

// =============================================================================
// JOBS
// =============================================================================

// SendReminders publishes a reminder for every confirmed, unreminded signup
// on tomorrow's events and returns how many were sent.
func (s *Scheduler) SendReminders(ctx context.Context) (int, error) {
	tomorrow := generic.DateOf(s.Clock.Now()).AddDays(1)
	due, err := s.Signups.Reminders(ctx, tomorrow)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, r := range due {
		s.Events.Publish(s.Signups.ReminderEvent(r))
		if err := s.Signups.MarkReminderSent(ctx, r.Signup.ID); err != nil {
			return sent, fmt.Errorf("mark reminder %s: %w", r.Signup.ID, err)
		}
		sent++
	}
	if sent > 0 {
		s.Logger.Info("reminders sent", "date", tomorrow, "count", sent)
	}
	return sent, nil
}

// RunBilling bills every school whose deadline has passed for its current
// year. A failing school is logged and the rest still run.
func (s *Scheduler) RunBilling(ctx context.Context) (int, error) {
	schools, err := s.Directory.ListSchools(ctx)
	if err != nil {
		return 0, err
	}

	now := s.Clock.Now()
	created, failed := 0, 0
	for _, school := range schools {
		if !school.Calendar().DeadlinePassed(school.CurrentAcademicYear, now) {
			continue
		}
		n, err := s.Engine.GenerateBilling(ctx, school.ID, school.CurrentAcademicYear)
		created += n
		if err != nil {
			failed++
			s.Logger.Error("school billing failed", "school", school.ID, "err", err)
		}
	}
	if failed > 0 {
		return created, fmt.Errorf("billing failed for %d school(s)", failed)
	}
	return created, nil
}
