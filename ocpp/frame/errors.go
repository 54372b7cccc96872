package frame

import (
	"encoding/json"
	"fmt"
)

// ErrorCode is an OCPP-J CALLERROR code.
type ErrorCode string

const (
	NotImplemented                ErrorCode = "NotImplemented"
	NotSupported                  ErrorCode = "NotSupported"
	InternalError                 ErrorCode = "InternalError"
	ProtocolError                 ErrorCode = "ProtocolError"
	SecurityError                 ErrorCode = "SecurityError"
	FormationViolation            ErrorCode = "FormationViolation"
	PropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	OccurrenceConstraintViolation ErrorCode = "OccurenceConstraintViolation" // spelled as on the wire
	TypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	GenericError                  ErrorCode = "GenericError"
)

// CallError is an ERROR frame as a Go error. Handlers return it to choose the
// error code sent to the station, and SendCall returns it when the station
// answered with an ERROR.
type CallError struct {
	UniqueID    string
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

// NewCallError builds a CallError with empty details.
func NewCallError(code ErrorCode, format string, args ...any) *CallError {
	return &CallError{Code: code, Description: fmt.Sprintf(format, args...)}
}

func (e *CallError) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Message converts the error into an ERROR envelope for uniqueID.
func (e *CallError) Message(uniqueID string) *Message {
	return &Message{
		Type:             CallErrorType,
		UniqueID:         uniqueID,
		ErrorCode:        e.Code,
		ErrorDescription: e.Description,
		ErrorDetails:     orEmpty(e.Details),
	}
}
