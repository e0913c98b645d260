package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Status  int                    `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors by code so callers can use errors.Is against the predefined values.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for the engine taxonomy.
var (
	ErrValidation          = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrStageTransition     = New("STAGE_TRANSITION_ERROR", http.StatusConflict, "illegal stage transition")
	ErrConflictBlocked     = New("CONFLICT_BLOCKED", http.StatusLocked, "deal is blocked by an unresolved high-severity conflict")
	ErrConcurrencyConflict = New("CONCURRENCY_CONFLICT", http.StatusConflict, "record was modified concurrently, retry with fresh state")
	ErrNotFound            = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrAlreadyResolved     = New("CONFLICT_ALREADY_RESOLVED", http.StatusConflict, "conflict already resolved")
	ErrForbidden           = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized        = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrInternal            = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss           = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// NewStageTransitionError reports an illegal move naming both stages.
func NewStageTransitionError(current, requested string) *Error {
	e := Clone(ErrStageTransition, fmt.Sprintf("cannot move deal from %s to %s", current, requested))
	e.Details = map[string]interface{}{"currentStage": current, "requestedStage": requested}
	return e
}

// NewConflictBlockedError reports the open conflicts holding a deal back.
func NewConflictBlockedError(dealID string, conflictIDs []string) *Error {
	e := Clone(ErrConflictBlocked, fmt.Sprintf("deal %s has unresolved high-severity conflicts", dealID))
	e.Details = map[string]interface{}{"dealId": dealID, "conflictIds": conflictIDs}
	return e
}

// NewConcurrencyError reports a stale write against the named entity.
func NewConcurrencyError(entity, id string) *Error {
	e := Clone(ErrConcurrencyConflict, fmt.Sprintf("%s %s was modified concurrently, retry with fresh state", entity, id))
	e.Details = map[string]interface{}{"entity": entity, "id": id}
	return e
}

// NewNotFoundError reports an unknown identifier.
func NewNotFoundError(entity, id string) *Error {
	e := Clone(ErrNotFound, fmt.Sprintf("%s %s not found", entity, id))
	e.Details = map[string]interface{}{"entity": entity, "id": id}
	return e
}

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	if err.Details != nil {
		clone.Details = make(map[string]interface{}, len(err.Details))
		for k, v := range err.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}

// HasCode reports whether err carries the given application error code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
