package coop

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SIGNUP & ATTENDANCE STATE MACHINE
// =============================================================================
//
//	none --Signup--> confirmed --Cancel--> cancelled
//	                     |
//	                     +--MarkAttendance--> confirmed, attended=true|false
//
// Signup and Cancel keep slots_remaining = total_slots - confirmed signups.
// MarkAttendance keeps total_hours_completed equal to the sum of attended
// signups' hours_credited (floored at zero).

type StateMachine struct {
	service
}

func NewStateMachine(d Deps) *StateMachine {
	return &StateMachine{service: newService(d, "signups")}
}

// Signup reserves one slot on the opportunity for the parent.
func (m *StateMachine) Signup(ctx context.Context, schoolID, parentID, opportunityID string) (*Signup, error) {
	if parentID == "" {
		return nil, generic.Invalid("parent_id", "required")
	}
	if opportunityID == "" {
		return nil, generic.Invalid("opportunity_id", "required")
	}

	var (
		signup *Signup
		event  Event
	)
	err := m.store.WithTx(ctx, func(st Store) error {
		opp, err := st.GetOpportunityForUpdate(ctx, opportunityID)
		if err != nil {
			return err
		}
		if opp.SchoolID != schoolID {
			return generic.NotFound("opportunity", opportunityID)
		}
		if opp.Status != OpportunityActive {
			return generic.ErrOpportunityInactive
		}
		parent, err := st.GetParent(ctx, schoolID, parentID)
		if err != nil {
			return err
		}

		existing, err := st.FindConfirmedSignup(ctx, opp.ID, parent.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return generic.ErrAlreadySignedUp
		}

		reserved, err := st.ReserveSlot(ctx, opp.ID)
		if err != nil {
			return fmt.Errorf("reserve slot: %w", err)
		}
		if !reserved {
			return generic.ErrNoSlots
		}

		now := m.clock.Now()
		signup = &Signup{
			ID:            uuid.NewString(),
			OpportunityID: opp.ID,
			ParentID:      parent.ID,
			Status:        SignupConfirmed,
			HoursCredited: decimal.Zero,
			SignupDate:    now,
			UpdatedAt:     now,
		}
		if err := st.CreateSignup(ctx, signup); err != nil {
			return err
		}

		event = withOpportunity(parentEvent(EventSignupConfirmation, *parent, now), *opp)
		event.HoursCredited = opp.HoursCredit
		return nil
	})
	if err != nil {
		if generic.IsConflict(err) {
			m.logger.Debug("signup rejected", "parent", parentID, "opportunity", opportunityID, "reason", err)
		}
		return nil, err
	}

	m.logger.Info("signup confirmed", "parent", parentID, "opportunity", opportunityID)
	m.publish(event)
	return signup, nil
}

// Cancel releases the parent's confirmed signup and gives the slot back.
// Signups already credited as attended stay put.
func (m *StateMachine) Cancel(ctx context.Context, parentID, signupID string) (*Signup, error) {
	var (
		signup *Signup
		event  Event
	)
	err := m.store.WithTx(ctx, func(st Store) error {
		s, err := st.GetSignupForUpdate(ctx, signupID)
		if err != nil {
			return err
		}
		if s.ParentID != parentID || s.Status != SignupConfirmed {
			return generic.NotFound("signup", signupID)
		}
		if s.Attended {
			return generic.ErrAttendanceRecorded
		}

		opp, err := st.GetOpportunityForUpdate(ctx, s.OpportunityID)
		if err != nil {
			return err
		}
		if err := st.SetSignupStatus(ctx, s.ID, SignupCancelled); err != nil {
			return err
		}
		if err := st.ReleaseSlot(ctx, opp.ID); err != nil {
			return fmt.Errorf("release slot: %w", err)
		}

		parent, err := st.GetParentForUpdate(ctx, s.ParentID)
		if err != nil {
			return err
		}
		s.Status = SignupCancelled
		signup = s
		event = withOpportunity(parentEvent(EventCancellation, *parent, m.clock.Now()), *opp)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("signup cancelled", "parent", parentID, "signup", signupID)
	m.publish(event)
	return signup, nil
}

type AttendanceInput struct {
	SchoolID    string
	SignupID    string
	Attended    bool
	HoursCredit decimal.Decimal
}

func (in AttendanceInput) Validate() error {
	if in.SignupID == "" {
		return generic.Invalid("signup_id", "required")
	}
	if in.HoursCredit.IsNegative() {
		return generic.Invalid("hours_credit", "must not be negative")
	}
	return nil
}

// AttendanceResult is the committed state after MarkAttendance.
type AttendanceResult struct {
	Signup     Signup          `json:"signup"`
	TotalHours decimal.Decimal `json:"total_hours_completed"`
	Milestones []int           `json:"milestones,omitempty"`
}

// MarkAttendance records whether the parent attended and credits hours.
// The parent total moves by the difference between what this signup held
// before and what it holds now:
//
//	false -> true   total += new
//	true  -> false  total -= previous
//	true  -> true   total += new - previous
//	false -> false  no change
//
// so repeating a call with the same input changes nothing.
func (m *StateMachine) MarkAttendance(ctx context.Context, in AttendanceInput) (*AttendanceResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var (
		result *AttendanceResult
		events []Event
	)
	err := m.store.WithTx(ctx, func(st Store) error {
		s, err := st.GetSignupForUpdate(ctx, in.SignupID)
		if err != nil {
			return err
		}
		if s.Status == SignupCancelled {
			return generic.ErrSignupCancelled
		}
		opp, err := st.GetOpportunity(ctx, in.SchoolID, s.OpportunityID)
		if err != nil {
			if generic.IsNotFound(err) {
				return generic.NotFound("signup", in.SignupID)
			}
			return err
		}
		parent, err := st.GetParentForUpdate(ctx, s.ParentID)
		if err != nil {
			return err
		}

		previous := decimal.Zero
		if s.Attended {
			previous = s.HoursCredited
		}
		stored := decimal.Zero
		if in.Attended {
			stored = generic.RoundHours(in.HoursCredit)
		}

		before := parent.TotalHoursCompleted
		after := generic.FloorZero(generic.RoundHours(before.Add(stored).Sub(previous)))

		if err := st.SetSignupAttendance(ctx, s.ID, in.Attended, stored); err != nil {
			return err
		}
		if !after.Equal(before) {
			if err := st.SetParentHours(ctx, parent.ID, after); err != nil {
				return err
			}
		}
		wasAttended := s.Attended
		s.Attended, s.HoursCredited = in.Attended, stored
		parent.TotalHoursCompleted = after

		school, err := st.GetSchool(ctx, parent.SchoolID)
		if err != nil {
			return err
		}
		year := school.Calendar().AcademicYearFor(m.clock.Now())
		ledger, _, err := ledgerFor(ctx, st, school, parent, year)
		if err != nil {
			return err
		}

		now := m.clock.Now()
		result = &AttendanceResult{Signup: *s, TotalHours: after}
		if in.Attended && !wasAttended {
			thanks := withOpportunity(parentEvent(EventThankYou, *parent, now), *opp)
			thanks.HoursCredited = stored
			thanks.TotalHours = after
			thanks.RequiredHours = ledger.Required
			events = append(events, thanks)
		}
		for _, milestone := range CrossedMilestones(before, after) {
			e := parentEvent(EventMilestone, *parent, now)
			e.Milestone = milestone
			e.TotalHours = after
			e.RequiredHours = ledger.Required
			events = append(events, e)
			result.Milestones = append(result.Milestones, milestone)
		}
		if !after.Equal(before) {
			changed := hoursChanged(*parent, ledger, now)
			if in.Attended {
				changed.EventDate = opp.EventDate
			}
			events = append(events, changed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("attendance marked", "signup", in.SignupID, "attended", in.Attended, "total", result.TotalHours)
	m.publish(events...)
	return result, nil
}

// =============================================================================
// REMINDERS
// =============================================================================

// Reminder is a confirmed signup whose event is coming up.
type Reminder struct {
	Signup      Signup
	Parent      Parent
	Opportunity Opportunity
}

// Reminders returns confirmed signups not yet reminded for events on eventDate.
func (m *StateMachine) Reminders(ctx context.Context, eventDate generic.TimePoint) ([]Reminder, error) {
	signups, err := m.store.ListReminderDue(ctx, eventDate.String())
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}

	reminders := make([]Reminder, 0, len(signups))
	for _, s := range signups {
		parent, err := m.store.GetParentForUpdate(ctx, s.ParentID)
		if err != nil {
			return nil, err
		}
		opp, err := m.store.GetOpportunityForUpdate(ctx, s.OpportunityID)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, Reminder{Signup: s, Parent: *parent, Opportunity: *opp})
	}
	return reminders, nil
}

// ReminderEvent builds the notification for r.
func (m *StateMachine) ReminderEvent(r Reminder) Event {
	e := withOpportunity(parentEvent(EventReminder, r.Parent, m.clock.Now()), r.Opportunity)
	e.HoursCredited = r.Opportunity.HoursCredit
	return e
}

func (m *StateMachine) MarkReminderSent(ctx context.Context, signupID string) error {
	return m.store.MarkReminderSent(ctx, signupID)
}

func (m *StateMachine) GetSignup(ctx context.Context, id string) (*Signup, error) {
	return m.store.GetSignup(ctx, id)
}

// SignupsForParent lists the parent's signups, newest first.
func (m *StateMachine) SignupsForParent(ctx context.Context, schoolID, parentID string) ([]Signup, error) {
	if _, err := m.store.GetParent(ctx, schoolID, parentID); err != nil {
		return nil, err
	}
	return m.store.ListSignupsForParent(ctx, parentID)
}

// SignupsForOpportunity lists every signup on the opportunity.
func (m *StateMachine) SignupsForOpportunity(ctx context.Context, schoolID, opportunityID string) ([]Signup, error) {
	if _, err := m.store.GetOpportunity(ctx, schoolID, opportunityID); err != nil {
		return nil, err
	}
	return m.store.ListSignupsForOpportunity(ctx, opportunityID)
}
