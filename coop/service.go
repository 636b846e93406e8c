package coop

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// Deps are the collaborators shared by Engine, StateMachine and Directory.
type Deps struct {
	Store  TxStore
	Clock  generic.Clock
	Events Publisher
	Logger *log.Logger
}

type service struct {
	store  TxStore
	clock  generic.Clock
	events Publisher
	logger *log.Logger
}

func newService(d Deps, component string) service {
	s := service{store: d.Store, clock: d.Clock, events: d.Events, logger: d.Logger}
	if s.clock == nil {
		s.clock = generic.SystemClock{}
	}
	if s.events == nil {
		s.events = Discard
	}
	if s.logger == nil {
		s.logger = log.NewWithOptions(os.Stderr, log.Options{Level: log.WarnLevel})
	}
	s.logger = s.logger.With("component", component)
	return s
}

// publish hands events over once the transaction that produced them has
// committed.
func (s service) publish(events ...Event) {
	for _, e := range events {
		s.events.Publish(e)
	}
}

// yearOrCurrent resolves an optional year against the school's calendar.
func (s service) yearOrCurrent(school *School, year generic.AcademicYear) generic.AcademicYear {
	if !year.IsZero() {
		return year
	}
	return school.Calendar().AcademicYearFor(s.clock.Now())
}

func (s service) today() string {
	return generic.DateOf(s.clock.Now()).String()
}

func sumPurchaseHours(credits []PurchaseCredit) decimal.Decimal {
	total := decimal.Zero
	for _, c := range credits {
		total = total.Add(c.HoursCredited)
	}
	return total
}

// ledgerFor loads the family's purchase credits for year and assembles the ledger.
func ledgerFor(ctx context.Context, st Store, school *School, parent *Parent, year generic.AcademicYear) (FamilyLedger, []PurchaseCredit, error) {
	credits, err := st.ListPurchaseCredits(ctx, parent.ID, year)
	if err != nil {
		return FamilyLedger{}, nil, err
	}
	return AssembleLedger(*school, *parent, sumPurchaseHours(credits)), credits, nil
}

// lockParent takes the parent row lock and hides parents of other schools.
func lockParent(ctx context.Context, st Store, schoolID, parentID string) (*Parent, error) {
	parent, err := st.GetParentForUpdate(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.SchoolID != schoolID {
		return nil, generic.NotFound("parent", parentID)
	}
	return parent, nil
}
