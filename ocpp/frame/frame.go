// Package frame encodes and decodes OCPP-J wire frames.
//
// A frame is a JSON array whose first element is the message type:
//
//	[2, "<uniqueId>", "<action>", {payload}]              CALL
//	[3, "<uniqueId>", {payload}]                          CALLRESULT
//	[4, "<uniqueId>", "<errorCode>", "<description>", {}] CALLERROR
//
// The codec checks only the outer shape. Payloads are carried as raw JSON so
// unknown and vendor specific actions round-trip untouched.
package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// MessageType is the leading integer discriminator of a frame.
type MessageType int

const (
	CallType       MessageType = 2
	CallResultType MessageType = 3
	CallErrorType  MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case CallType:
		return "CALL"
	case CallResultType:
		return "RESULT"
	case CallErrorType:
		return "ERROR"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Message is the typed envelope of a frame.
type Message struct {
	Type     MessageType
	UniqueID string

	// Action is set for CALL frames only.
	Action string

	// Payload is set for CALL and RESULT frames.
	Payload json.RawMessage

	// Error fields are set for ERROR frames only.
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

var emptyObject = json.RawMessage("{}")

// NewCall builds a CALL envelope. Nil entries of map payloads are dropped
// so optional fields never reach the wire as null.
func NewCall(uniqueID, action string, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", action, err)
	}
	return &Message{Type: CallType, UniqueID: uniqueID, Action: action, Payload: raw}, nil
}

// NewResult builds a RESULT envelope.
func NewResult(uniqueID string, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal result payload: %w", err)
	}
	return &Message{Type: CallResultType, UniqueID: uniqueID, Payload: raw}, nil
}

// NewError builds an ERROR envelope.
func NewError(uniqueID string, code ErrorCode, description string, details any) *Message {
	raw, err := marshalPayload(details)
	if err != nil {
		raw = emptyObject
	}
	return &Message{
		Type:             CallErrorType,
		UniqueID:         uniqueID,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     raw,
	}
}

// Encode serialises a message into its wire form.
func Encode(m *Message) ([]byte, error) {
	var arr []any
	switch m.Type {
	case CallType:
		if m.Action == "" {
			return nil, fmt.Errorf("encode CALL %s: empty action", m.UniqueID)
		}
		arr = []any{int(CallType), m.UniqueID, m.Action, orEmpty(m.Payload)}
	case CallResultType:
		arr = []any{int(CallResultType), m.UniqueID, orEmpty(m.Payload)}
	case CallErrorType:
		code := m.ErrorCode
		if code == "" {
			code = GenericError
		}
		arr = []any{int(CallErrorType), m.UniqueID, string(code), m.ErrorDescription, orEmpty(m.ErrorDetails)}
	default:
		return nil, fmt.Errorf("encode: unsupported message type %d", int(m.Type))
	}
	return json.Marshal(arr)
}

// Decode parses a wire frame. On failure the returned error is a
// *DecodeError describing how much of the frame could be recovered.
func Decode(data []byte) (*Message, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, &DecodeError{Code: ProtocolError, Reason: "frame is not a JSON array"}
	}
	if len(arr) < 2 {
		return nil, &DecodeError{Code: ProtocolError, Reason: fmt.Sprintf("frame has %d elements", len(arr))}
	}

	var typ int
	if err := json.Unmarshal(arr[0], &typ); err != nil {
		return nil, &DecodeError{Code: ProtocolError, Reason: "message type is not an integer"}
	}
	var id string
	if err := json.Unmarshal(arr[1], &id); err != nil || id == "" {
		return nil, &DecodeError{Type: MessageType(typ), Code: ProtocolError, Reason: "unique id is not a string"}
	}

	bad := func(code ErrorCode, format string, args ...any) (*Message, error) {
		return nil, &DecodeError{Type: MessageType(typ), UniqueID: id, Code: code, Reason: fmt.Sprintf(format, args...)}
	}

	switch MessageType(typ) {
	case CallType:
		if len(arr) != 4 {
			return bad(FormationViolation, "CALL has %d elements, want 4", len(arr))
		}
		var action string
		if err := json.Unmarshal(arr[2], &action); err != nil || action == "" {
			return bad(FormationViolation, "CALL action is not a string")
		}
		if !isObject(arr[3]) {
			return bad(FormationViolation, "CALL payload is not an object")
		}
		return &Message{Type: CallType, UniqueID: id, Action: action, Payload: arr[3]}, nil

	case CallResultType:
		if len(arr) != 3 {
			return bad(FormationViolation, "RESULT has %d elements, want 3", len(arr))
		}
		return &Message{Type: CallResultType, UniqueID: id, Payload: arr[2]}, nil

	case CallErrorType:
		if len(arr) < 4 || len(arr) > 5 {
			return bad(FormationViolation, "ERROR has %d elements, want 5", len(arr))
		}
		var code, desc string
		if err := json.Unmarshal(arr[2], &code); err != nil {
			return bad(FormationViolation, "ERROR code is not a string")
		}
		if err := json.Unmarshal(arr[3], &desc); err != nil {
			return bad(FormationViolation, "ERROR description is not a string")
		}
		details := emptyObject
		if len(arr) == 5 {
			details = arr[4]
		}
		return &Message{
			Type:             CallErrorType,
			UniqueID:         id,
			ErrorCode:        ErrorCode(code),
			ErrorDescription: desc,
			ErrorDetails:     details,
		}, nil

	default:
		return bad(ProtocolError, "unknown message type %d", typ)
	}
}

// DecodeError is returned by Decode for frames whose outer shape is wrong.
type DecodeError struct {
	// Type is the parsed message type, zero when unparseable.
	Type MessageType
	// UniqueID is the correlation id, empty when unparseable.
	UniqueID string
	Code     ErrorCode
	Reason   string
}

func (e *DecodeError) Error() string {
	if e.UniqueID == "" {
		return "decode frame: " + e.Reason
	}
	return fmt.Sprintf("decode frame %s: %s", e.UniqueID, e.Reason)
}

// Recoverable reports whether the sender should get an ERROR frame back. That
// requires a correlation id, and responses are never answered.
func (e *DecodeError) Recoverable() bool {
	return e.UniqueID != "" && e.Type != CallResultType && e.Type != CallErrorType
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return emptyObject
	}
	return raw
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		return orEmpty(p), nil
	case []byte:
		return orEmpty(p), nil
	case map[string]any:
		return json.Marshal(PruneNulls(p))
	}
	return json.Marshal(payload)
}

// PruneNulls returns a copy of m without nil values, descending into nested
// maps and slices of maps. Typed nil pointers count as nil.
func PruneNulls(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isNilPointer(v) {
			continue
		}
		switch val := v.(type) {
		case nil:
			continue
		case map[string]any:
			out[k] = PruneNulls(val)
		case []any:
			items := make([]any, 0, len(val))
			for _, item := range val {
				if nested, ok := item.(map[string]any); ok {
					items = append(items, PruneNulls(nested))
					continue
				}
				items = append(items, item)
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
