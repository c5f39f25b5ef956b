/*
errors.go - Error taxonomy for the lesson lifecycle

ERROR CATEGORIES:
  1. NotFound        - lesson/teacher does not exist (no retry)
  2. Forbidden       - caller may not perform the transition (no retry)
  3. InvalidState    - transition not legal from the current status (no retry)
  4. Validation      - malformed input, e.g. weights not summing to 100 (no retry)
  5. TransientStore  - connection reset/closed; retried internally first

USAGE:
  Structured errors unwrap to the sentinels, so callers match with errors.Is:

    if errors.Is(err, lesson.ErrInvalidState) { ... 409 ... }

SEE ALSO:
  - retry.go: Retry policy and the transient-error predicate
  - api/handlers.go: HTTP status mapping
*/
package lesson

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound = errors.New("not found")

	ErrForbidden = errors.New("forbidden")

	ErrInvalidState = errors.New("invalid state")

	ErrValidation = errors.New("validation failed")

	// ErrTransientStore marks connectivity failures expected to resolve on retry.
	ErrTransientStore = errors.New("transient store error")

	// ErrConcurrentModification is returned by conditional updates when the
	// row no longer matches the expected precondition.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "lesson", "teacher", "salary record"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateError is returned when a transition is not legal from the
// lesson's current status.
type InvalidStateError struct {
	LessonID ID
	Action   string // "started", "completed", "cancelled", "marked as missed"
	Current  Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("lesson %s cannot be %s (current status: %s)", e.LessonID, e.Action, e.Current)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// LockedError is returned when a teacher tries to fulfil an obligation that
// is frozen by completion or by the midnight lock.
type LockedError struct {
	LessonID   ID
	Obligation Obligation
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("obligation %s of lesson %s is locked", e.Obligation, e.LessonID)
}

func (e *LockedError) Unwrap() error { return ErrInvalidState }

// ForbiddenError explains why the caller was refused.
type ForbiddenError struct {
	LessonID ID
	Action   string
	Reason   string
}

func (e *ForbiddenError) Error() string {
	if e.LessonID == "" {
		return fmt.Sprintf("%s: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("%s lesson %s: %s", e.Action, e.LessonID, e.Reason)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// ValidationError is a field-level input error.
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

// TransientError wraps a connectivity failure. Err is the last underlying
// error; Attempts is how many times the operation ran.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: transient store error after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: transient store error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransientStore, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(id ID) error {
	return &NotFoundError{Kind: "lesson", ID: string(id)}
}
