package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks user-correctable input errors.
	ErrValidation = errors.New("workflow: validation failed")
	// ErrForbidden marks authorization denials.
	ErrForbidden = errors.New("workflow: not authorised")
	// ErrConflict marks transitions attempted from the wrong state.
	ErrConflict = errors.New("workflow: state conflict")
	// ErrNotFound marks missing or out-of-scope references.
	ErrNotFound = errors.New("workflow: reference not found")
)

// ValidationError identifies the offending line (1-based, 0 for header) and field.
type ValidationError struct {
	Line   int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Reason)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a header level ValidationError.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidLine builds a line level ValidationError.
func InvalidLine(line int, field, reason string) *ValidationError {
	return &ValidationError{Line: line, Field: field, Reason: reason}
}

// AuthorizationError describes a failed capability check.
type AuthorizationError struct {
	UserID int64
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %d: %s", e.UserID, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return ErrForbidden }

// StateConflictError is returned when the document is not in the state the
// action requires. Callers should re-fetch and retry.
type StateConflictError struct {
	Type   DocType
	ID     int64
	Status Status
	Action string
}

func (e *StateConflictError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("%s %d: cannot %s: modified concurrently", e.Type, e.ID, e.Action)
	}
	return fmt.Sprintf("%s %d: cannot %s from status %s", e.Type, e.ID, e.Action, e.Status)
}

func (e *StateConflictError) Unwrap() error { return ErrConflict }

// ReferentialIntegrityError reports a reference that does not exist or lies
// outside the caller's scope.
type ReferentialIntegrityError struct {
	Entity string
	ID     int64
	Reason string
}

func (e *ReferentialIntegrityError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "not found"
	}
	return fmt.Sprintf("%s %d: %s", e.Entity, e.ID, reason)
}

func (e *ReferentialIntegrityError) Unwrap() error { return ErrNotFound }

// Missing builds a ReferentialIntegrityError for an absent record.
func Missing(entity string, id int64) *ReferentialIntegrityError {
	return &ReferentialIntegrityError{Entity: entity, ID: id}
}

// OutOfScope builds a ReferentialIntegrityError for a record the caller may not reference.
func OutOfScope(entity string, id int64) *ReferentialIntegrityError {
	return &ReferentialIntegrityError{Entity: entity, ID: id, Reason: "outside caller scope"}
}
