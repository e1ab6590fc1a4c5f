/*
errors.go - Centralized error types for the visit engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on the sentinels with errors.Is; the structured errors
  carry context and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Validation errors - Bad input, rejected before anything is written
  2. Consistency errors - Illegal state transitions, stale versions
  3. Internal errors - A stored config the engine should never have seen
  4. Store errors - Database failures, surfaced as retryable

USAGE:
    if errors.Is(err, visit.ErrConflict) {
        // illegal transition, state unchanged
    }

SEE ALSO:
  - waypoint/machine.go: Produces TransitionError
  - schedule/recurrence.go: Produces ConsistencyError
  - api/handlers.go: Maps errors to HTTP status codes
*/
package visit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced entity doesn't exist for the owner.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input (bad config, empty miss reason).
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a transition is not legal from the current state.
	ErrConflict = errors.New("conflict")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidConfig is returned when the engine observes a config that
	// should have been rejected at write time. Never retried.
	ErrInvalidConfig = errors.New("invalid stored configuration")

	// ErrDuplicateIdempotencyKey is returned when a write with the same
	// idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrOwnerRequired is returned when an operation is attempted without an owner.
	ErrOwnerRequired = errors.New("owner id required")
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
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError reports an action that is illegal from the waypoint's state.
type TransitionError struct {
	WaypointID WaypointID
	From       WaypointStatus
	Action     string
	Reason     string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s waypoint %s in status %s", e.Action, e.WaypointID, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrConflict }

// ConsistencyError reports an internal invariant violation.
type ConsistencyError struct {
	Detail string
}

func (e *ConsistencyError) Error() string {
	return "internal consistency error: " + e.Detail
}

func (e *ConsistencyError) Unwrap() error { return ErrInvalidConfig }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// Anything that is not a client, not-found or consistency error is a store
// failure and therefore retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConcurrentModification) {
		return true
	}
	return !IsClientError(err) && !IsNotFound(err) && !errors.Is(err, ErrInvalidConfig)
}

// IsClientError returns true if the error is due to invalid client input
// or an illegal transition.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrOwnerRequired)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
