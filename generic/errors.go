/*
errors.go - Centralized error types for the co-op engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The reconciliation engine and the signup state machine return these;
  the API layer translates them to status codes.

ERROR CATEGORIES:
  1. Validation errors - malformed or out-of-range input, rejected before
     any persistence call (400)
  2. Conflict errors - no slots, duplicate confirmed signup, duplicate
     billing record, duplicate email (409)
  3. Not-found errors - missing or foreign-owned entity (404)
  4. Anything else - persistence or unexpected failures (500, opaque)

USAGE:
  if errors.Is(err, generic.ErrNoSlots) {
      // "This opportunity is full"
  }
  if generic.IsConflict(err) {
      // any conflict kind
  }

SEE ALSO:
  - api/errors.go: Maps these to HTTP status codes
  - coop/signup.go: Raises the conflict kinds
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of every client-input error.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is the root of every missing-entity error.
	ErrNotFound = errors.New("not found")

	// ErrConflict is the root of every state conflict.
	ErrConflict = errors.New("conflict")
)

var (
	// ErrNoSlots is returned when an opportunity has no remaining slots.
	ErrNoSlots = fmt.Errorf("%w: no slots available", ErrConflict)

	// ErrAlreadySignedUp is returned when the parent already holds a confirmed
	// signup for the opportunity.
	ErrAlreadySignedUp = fmt.Errorf("%w: already signed up for this opportunity", ErrConflict)

	// ErrDuplicateBilling is returned when a billing record already exists
	// for the parent and academic year.
	ErrDuplicateBilling = fmt.Errorf("%w: billing record already exists", ErrConflict)

	// ErrDuplicateEmail is returned when a parent email is already registered
	// at the school.
	ErrDuplicateEmail = fmt.Errorf("%w: an account with this email already exists", ErrConflict)

	// ErrSignupCancelled is returned when attendance is marked on a cancelled signup.
	ErrSignupCancelled = fmt.Errorf("%w: signup is cancelled", ErrConflict)

	// ErrAttendanceRecorded is returned when cancelling a signup that was
	// already credited as attended.
	ErrAttendanceRecorded = fmt.Errorf("%w: attendance already recorded", ErrConflict)

	// ErrOpportunityInactive is returned when signing up for an inactive opportunity.
	ErrOpportunityInactive = fmt.Errorf("%w: opportunity is not active", ErrConflict)

	// ErrSlotsBelowSignups is returned when total slots would drop below the
	// number of confirmed signups.
	ErrSlotsBelowSignups = fmt.Errorf("%w: total slots below confirmed signups", ErrConflict)

	// ErrInvalidTransition is returned for billing status changes that are not allowed.
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrConflict)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for &ValidationError{...}.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string // "parent", "signup", "opportunity", "school", "billing record"
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Entity + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound is shorthand for &NotFoundError{...}.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }

// IsClientError returns true if the error is due to client input or state,
// i.e. it is safe to show its message to the caller.
func IsClientError(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsConflict(err)
}
