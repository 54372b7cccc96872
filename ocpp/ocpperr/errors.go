// Package ocpperr holds the error taxonomy shared by the central system
// packages. Callers inspect these with errors.Is and errors.As.
package ocpperr

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no correlated response arrived before the
	// call deadline. Callers may retry.
	ErrTimeout = errors.New("call timed out")

	// ErrConnectionClosed is returned for calls that were outstanding when the
	// station's transport went away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotConnected is returned when a call is attempted on a session that
	// has no live transport.
	ErrNotConnected = errors.New("station is not connected")

	// ErrUnknownAction is returned by the dispatcher for actions that have no
	// registered handler.
	ErrUnknownAction = errors.New("unknown action")

	// ErrNotFound is returned for lookups of unknown stations, reservations or
	// profiles.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateCall is returned when a correlation id is registered twice.
	ErrDuplicateCall = errors.New("duplicate correlation id")
)

// ValidationError reports bad parameters of a management operation. It is
// returned synchronously to the caller and never sent to a station.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports an operation that collides with existing state, such
// as a second active reservation on the same connector.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
