// Package taskerr defines the error kinds every TaskLifecycle, WorkClaimer,
// and Resolver operation surfaces to its caller. Generalized from the
// field/kind error idiom in the api-gateway request validator, narrowed to
// the five kinds the dispatch engine actually raises.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind is the caller-facing classification of a dispatch engine error.
type Kind string

const (
	KindInput         Kind = "InputError"
	KindResourceNotFound Kind = "ResourceNotFound"
	KindRequestConflict  Kind = "RequestConflict"
	KindAuthorization    Kind = "AuthorizationError"
	KindInternal         Kind = "InternalError"
)

// Error is the concrete error type every kind uses; callers distinguish
// kinds with errors.As and the Kind() method, not string matching.
type Error struct {
	kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports which of the five caller-facing kinds this error is.
func (e *Error) Kind() Kind { return e.kind }

// Input reports a definition that failed validation: scopes ending in
// "**", bad timestamp ordering, oversize properties, an unknown
// dependency. Non-retryable.
func Input(format string, args ...any) *Error {
	return &Error{kind: KindInput, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown taskId/runId/provisionerId.
func NotFound(format string, args ...any) *Error {
	return &Error{kind: KindResourceNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports an idempotency collision, a schedulerId mismatch within
// a taskGroup, an operation against terminal/resolved state, a
// past-deadline operation, a run not in the expected state, or a reclaim
// that fails to advance takenUntil.
func Conflict(format string, args ...any) *Error {
	return &Error{kind: KindRequestConflict, Message: fmt.Sprintf(format, args...)}
}

// ConflictWithDetails is Conflict plus a details payload — used for the
// idempotent-createTask-collision case, which must carry both definitions.
func ConflictWithDetails(details map[string]any, format string, args ...any) *Error {
	return &Error{kind: KindRequestConflict, Message: fmt.Sprintf(format, args...), Details: details}
}

// Unauthorized reports a failed scope check, delegated to the external
// auth collaborator.
func Unauthorized(format string, args ...any) *Error {
	return &Error{kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps a permanent failure from a collaborator (Store,
// AdvisoryQueue, EventBus) after retries are exhausted.
func Internal(cause error, format string, args ...any) *Error {
	return &Error{kind: KindInternal, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Is reports whether err is a taskerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.kind == kind
}
