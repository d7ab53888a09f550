// Package corerr defines the shared error taxonomy used across the
// orchestration core (pool, matcher, stepexec, coordinator, workflow,
// checkpoint, monitor). Every component constructs errors through this
// package rather than inventing its own error struct, so callers can branch
// on Kind regardless of which component raised the error.
package corerr

import "fmt"

// Kind classifies an error per the taxonomy in the spec's error-handling design.
type Kind string

const (
	ValidationError      Kind = "validation_error"
	NotFound             Kind = "not_found"
	NotActive            Kind = "not_active"
	Overloaded           Kind = "overloaded"
	NoAgents             Kind = "no_agents"
	PreconditionFailed   Kind = "precondition_failed"
	TimedOut             Kind = "timed_out"
	RetriableError       Kind = "retriable_error"
	Cancelled            Kind = "cancelled"
	IntegrityError       Kind = "integrity_error"
	ExternalServiceError Kind = "external_service_error"
	InternalError        Kind = "internal_error"
)

// nonRetriable lists kinds that must never be retried regardless of policy.
var nonRetriable = map[Kind]bool{
	ValidationError:    true,
	PreconditionFailed: true,
	Cancelled:          true,
	NotFound:           true,
	NotActive:          true,
}

// Error is the single error type constructed by every core component.
type Error struct {
	Kind      Kind
	Component string
	Operation string
	Message   string
	Err       error

	// StepID and AttemptCount are populated when the error surfaces from a
	// step execution, matching the user-visible failure shape described in
	// the error-handling design (kind, message, step id, attempt count, cause chain).
	StepID       string
	AttemptCount int
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s:%s:%s]", e.Component, e.Operation, e.Kind)
	if e.StepID != "" {
		prefix = fmt.Sprintf("%s step=%s", prefix, e.StepID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retriable reports whether an error of this kind may be retried by a caller
// that otherwise has budget left (max_attempts not yet exhausted).
func (e *Error) Retriable() bool {
	if e == nil {
		return false
	}
	return !nonRetriable[e.Kind]
}

// New constructs a tagged error.
func New(kind Kind, component, operation, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Message:   message,
		Err:       cause,
	}
}

// WithStep attaches step-execution context to an error.
func (e *Error) WithStep(stepID string, attempt int) *Error {
	e.StepID = stepID
	e.AttemptCount = attempt
	return e
}

// Is allows errors.Is(err, corerr.NotFound) style matching against a Kind
// wrapped in a sentinel *Error; sentinels are created with the zero-value
// pattern below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel returns a bare *Error carrying only a Kind, suitable for use with
// errors.Is(err, corerr.Sentinel(corerr.NotFound)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// ExitCode maps err to the process exit code named in the external control
// surface (spec §6): 0 success, 1 validation error, 2 not found, 3
// overloaded, 4 external service error, 5 internal error. err == nil
// returns 0; any kind not named in that table (NotActive, NoAgents,
// PreconditionFailed, TimedOut, RetriableError, Cancelled, IntegrityError)
// maps to 5, the internal-error catch-all.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case ValidationError:
		return 1
	case NotFound:
		return 2
	case Overloaded:
		return 3
	case ExternalServiceError:
		return 4
	default:
		return 5
	}
}

// KindOf extracts the Kind from err if it is (or wraps) a *corerr.Error,
// defaulting to InternalError for unrecognised errors.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// As is a small local wrapper to avoid importing "errors" twice at call
// sites that already alias it; behaves like errors.As for *Error targets.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
