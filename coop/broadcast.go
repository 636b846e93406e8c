package coop

import (
	"context"
	"fmt"
	"strings"

	"github.com/parentcoop/hours-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// BROADCASTS AND STATS
// =============================================================================

type BroadcastTarget string

const (
	BroadcastAll      BroadcastTarget = "all"
	BroadcastEvent    BroadcastTarget = "event"
	BroadcastLowHours BroadcastTarget = "low_hours"
)

type BroadcastInput struct {
	SchoolID      string
	Subject       string
	Body          string
	Target        BroadcastTarget
	OpportunityID string // BroadcastEvent only

	// HoursThreshold selects families below it for BroadcastLowHours.
	// Nil means each family's own requirement.
	HoursThreshold *decimal.Decimal
}

func (in BroadcastInput) Validate() error {
	if strings.TrimSpace(in.Subject) == "" {
		return generic.Invalid("subject", "required")
	}
	if strings.TrimSpace(in.Body) == "" {
		return generic.Invalid("body", "required")
	}
	switch in.Target {
	case BroadcastAll, BroadcastLowHours:
	case BroadcastEvent:
		if in.OpportunityID == "" {
			return generic.Invalid("opportunity_id", "required for event broadcasts")
		}
	default:
		return generic.Invalid("target", fmt.Sprintf("unknown target %q", in.Target))
	}
	if in.HoursThreshold != nil && in.HoursThreshold.IsNegative() {
		return generic.Invalid("hours_threshold", "must not be negative")
	}
	return nil
}

// Broadcast queues one message per selected family and returns how many
// were queued. Delivery happens after the call returns.
func (e *Engine) Broadcast(ctx context.Context, in BroadcastInput) (int, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	summary, err := e.BillingSummary(ctx, in.SchoolID, generic.AcademicYear{})
	if err != nil {
		return 0, err
	}

	var attending map[string]bool
	if in.Target == BroadcastEvent {
		if _, err := e.store.GetOpportunity(ctx, in.SchoolID, in.OpportunityID); err != nil {
			return 0, err
		}
		signups, err := e.store.ListSignupsForOpportunity(ctx, in.OpportunityID)
		if err != nil {
			return 0, fmt.Errorf("list signups: %w", err)
		}
		attending = make(map[string]bool, len(signups))
		for _, s := range signups {
			if s.Status == SignupConfirmed {
				attending[s.ParentID] = true
			}
		}
	}

	now := e.clock.Now()
	var events []Event
	for _, fam := range summary.Families {
		switch in.Target {
		case BroadcastEvent:
			if !attending[fam.ParentID] {
				continue
			}
		case BroadcastLowHours:
			threshold := fam.Required
			if in.HoursThreshold != nil {
				threshold = *in.HoursThreshold
			}
			if !fam.RunningTotal.LessThan(threshold) {
				continue
			}
		}
		events = append(events, Event{
			Kind:          EventBroadcast,
			SchoolID:      in.SchoolID,
			ParentID:      fam.ParentID,
			Email:         fam.Email,
			FirstName:     fam.FirstName,
			TotalHours:    fam.RunningTotal,
			RequiredHours: fam.Required,
			Subject:       in.Subject,
			Body:          in.Body,
			OccurredAt:    now,
		})
	}

	e.logger.Info("broadcast queued", "school", in.SchoolID, "target", in.Target, "recipients", len(events))
	e.publish(events...)
	return len(events), nil
}

// HoursBucket counts families whose volunteer hours fall in Range.
type HoursBucket struct {
	Range string `json:"range"`
	Count int    `json:"count"`
}

type SchoolStats struct {
	AcademicYear      generic.AcademicYear `json:"academic_year"`
	TotalParents      int                  `json:"total_parents"`
	TotalHours        decimal.Decimal      `json:"total_hours"`
	AvgHoursPerParent decimal.Decimal      `json:"avg_hours_per_parent"`
	CompletedParents  int                  `json:"completed_parents"`
	CompletionRate    int                  `json:"completion_rate"`
	UpcomingEvents    int                  `json:"upcoming_events"`
	Distribution      []HoursBucket        `json:"hour_distribution"`
}

var hourBuckets = []struct {
	label string
	below int64
}{
	{"0 hours", 0},
	{"1-4 hours", 5},
	{"5-9 hours", 10},
	{"10-14 hours", 15},
	{"15-19 hours", 20},
}

// Stats summarizes the school's progress for the dashboard. A family counts
// as complete when its ledger shows nothing short.
func (e *Engine) Stats(ctx context.Context, schoolID string) (*SchoolStats, error) {
	summary, err := e.BillingSummary(ctx, schoolID, generic.AcademicYear{})
	if err != nil {
		return nil, err
	}
	upcoming, err := e.store.ListOpportunities(ctx, schoolID, OpportunityFilter{
		Status:   OpportunityActive,
		FromDate: e.today(),
	})
	if err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}

	stats := &SchoolStats{
		AcademicYear:      summary.AcademicYear,
		TotalParents:      len(summary.Families),
		TotalHours:        decimal.Zero,
		AvgHoursPerParent: decimal.Zero,
		UpcomingEvents:    len(upcoming),
	}
	counts := make([]int, len(hourBuckets)+1)
	for _, fam := range summary.Families {
		stats.TotalHours = stats.TotalHours.Add(fam.Volunteer)
		if !fam.HoursShort.IsPositive() {
			stats.CompletedParents++
		}
		counts[bucketFor(fam.Volunteer)]++
	}
	for i, b := range hourBuckets {
		stats.Distribution = append(stats.Distribution, HoursBucket{Range: b.label, Count: counts[i]})
	}
	stats.Distribution = append(stats.Distribution, HoursBucket{Range: "20+ hours", Count: counts[len(hourBuckets)]})

	if stats.TotalParents > 0 {
		n := decimal.NewFromInt(int64(stats.TotalParents))
		stats.AvgHoursPerParent = generic.RoundHours(stats.TotalHours.Div(n))
		stats.CompletionRate = ProgressPercent(decimal.NewFromInt(int64(stats.CompletedParents)), n)
	}
	return stats, nil
}

func bucketFor(hours decimal.Decimal) int {
	if hours.IsZero() {
		return 0
	}
	for i, b := range hourBuckets[1:] {
		if hours.LessThan(decimal.NewFromInt(b.below)) {
			return i + 1
		}
	}
	return len(hourBuckets)
}
