package coop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// OPPORTUNITY LIFECYCLE
// =============================================================================

type OpportunityInput struct {
	SchoolID    string
	Title       string
	Description string
	Location    string
	EventDate   string // YYYY-MM-DD
	StartTime   string // HH:MM
	EndTime     string // HH:MM
	HoursCredit decimal.Decimal
	TotalSlots  int
	Status      OpportunityStatus
}

const clockLayout = "15:04"

func (in OpportunityInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return generic.Invalid("title", "required")
	}
	if _, err := generic.ParseDate(in.EventDate); err != nil {
		return generic.Invalid("event_date", "expected YYYY-MM-DD")
	}
	start, err := time.Parse(clockLayout, in.StartTime)
	if err != nil {
		return generic.Invalid("start_time", "expected HH:MM")
	}
	end, err := time.Parse(clockLayout, in.EndTime)
	if err != nil {
		return generic.Invalid("end_time", "expected HH:MM")
	}
	if !end.After(start) {
		return generic.Invalid("end_time", "must be after start_time")
	}
	if in.HoursCredit.LessThan(MinHoursCredit) {
		return generic.Invalid("hours_credit", "must be at least 0.5")
	}
	if in.TotalSlots < 1 {
		return generic.Invalid("total_slots", "must be at least 1")
	}
	switch in.Status {
	case "", OpportunityActive, OpportunityInactive:
	default:
		return generic.Invalid("status", fmt.Sprintf("unknown status %q", in.Status))
	}
	return nil
}

func (in OpportunityInput) status() OpportunityStatus {
	if in.Status == "" {
		return OpportunityActive
	}
	return in.Status
}

// CreateOpportunity opens an opportunity with every slot free.
func (m *StateMachine) CreateOpportunity(ctx context.Context, in OpportunityInput) (*Opportunity, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.store.GetSchool(ctx, in.SchoolID); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	opp := &Opportunity{
		ID:             uuid.NewString(),
		SchoolID:       in.SchoolID,
		Title:          strings.TrimSpace(in.Title),
		Description:    in.Description,
		Location:       in.Location,
		EventDate:      in.EventDate,
		StartTime:      in.StartTime,
		EndTime:        in.EndTime,
		HoursCredit:    generic.RoundHours(in.HoursCredit),
		TotalSlots:     in.TotalSlots,
		SlotsRemaining: in.TotalSlots,
		Status:         in.status(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateOpportunity(ctx, opp); err != nil {
		return nil, fmt.Errorf("insert opportunity: %w", err)
	}
	return opp, nil
}

// UpdateOpportunity replaces the editable fields and recomputes
// slots_remaining from the confirmed signups under the row lock.
func (m *StateMachine) UpdateOpportunity(ctx context.Context, id string, in OpportunityInput) (*Opportunity, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var updated *Opportunity
	err := m.store.WithTx(ctx, func(st Store) error {
		opp, err := st.GetOpportunityForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if opp.SchoolID != in.SchoolID {
			return generic.NotFound("opportunity", id)
		}
		confirmed, err := st.CountConfirmedSignups(ctx, opp.ID)
		if err != nil {
			return err
		}
		if in.TotalSlots < confirmed {
			return fmt.Errorf("%w: %d confirmed, %d slots requested", generic.ErrSlotsBelowSignups, confirmed, in.TotalSlots)
		}

		opp.Title = strings.TrimSpace(in.Title)
		opp.Description = in.Description
		opp.Location = in.Location
		opp.EventDate = in.EventDate
		opp.StartTime = in.StartTime
		opp.EndTime = in.EndTime
		opp.HoursCredit = generic.RoundHours(in.HoursCredit)
		opp.TotalSlots = in.TotalSlots
		opp.SlotsRemaining = in.TotalSlots - confirmed
		opp.Status = in.status()
		opp.UpdatedAt = m.clock.Now()

		if err := st.UpdateOpportunity(ctx, opp); err != nil {
			return err
		}
		updated = opp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteOpportunity removes the opportunity and its signups. Hours already
// credited for attended signups stay on the parents' totals.
func (m *StateMachine) DeleteOpportunity(ctx context.Context, schoolID, id string) error {
	return m.store.WithTx(ctx, func(st Store) error {
		opp, err := st.GetOpportunityForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if opp.SchoolID != schoolID {
			return generic.NotFound("opportunity", id)
		}
		return st.DeleteOpportunity(ctx, id)
	})
}

func (m *StateMachine) GetOpportunity(ctx context.Context, schoolID, id string) (*Opportunity, error) {
	return m.store.GetOpportunity(ctx, schoolID, id)
}

func (m *StateMachine) ListOpportunities(ctx context.Context, schoolID string, filter OpportunityFilter) ([]Opportunity, error) {
	return m.store.ListOpportunities(ctx, schoolID, filter)
}

// UpcomingOpportunities lists active opportunities from today on.
func (m *StateMachine) UpcomingOpportunities(ctx context.Context, schoolID string) ([]Opportunity, error) {
	return m.store.ListOpportunities(ctx, schoolID, OpportunityFilter{
		Status:   OpportunityActive,
		FromDate: m.today(),
	})
}
