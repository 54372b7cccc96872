package ocppserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/balu-dk/go-ocpp-central/ocpp/frame"
	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
)

// HandlerFunc answers one station-originated CALL. The returned value is
// marshaled as the RESULT payload.
type HandlerFunc func(ctx context.Context, s *Session, payload json.RawMessage) (any, error)

// Dispatcher maps action names to handlers. It is built once at startup and
// read concurrently afterwards.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// HandleFunc registers an untyped handler.
func (d *Dispatcher) HandleFunc(action string, fn HandlerFunc) {
	d.handlers[action] = fn
}

type validator interface {
	Validate() error
}

// Handle registers a typed handler. The payload is decoded into Req and
// validated when Req implements Validate.
func Handle[Req, Conf any](d *Dispatcher, action string, fn func(ctx context.Context, s *Session, req *Req) (*Conf, error)) {
	d.HandleFunc(action, func(ctx context.Context, s *Session, payload json.RawMessage) (any, error) {
		req := new(Req)
		if err := json.Unmarshal(payload, req); err != nil {
			return nil, payloadError(action, err)
		}
		if v, ok := any(req).(validator); ok {
			if err := v.Validate(); err != nil {
				return nil, err
			}
		}
		conf, err := fn(ctx, s, req)
		if err != nil {
			return nil, err
		}
		if conf == nil {
			return struct{}{}, nil
		}
		return conf, nil
	})
}

// Actions lists the registered actions.
func (d *Dispatcher) Actions() []string {
	actions := make([]string, 0, len(d.handlers))
	for a := range d.handlers {
		actions = append(actions, a)
	}
	slices.Sort(actions)
	return actions
}

// Dispatch runs the handler for action. A panicking handler is turned into an
// InternalError instead of tearing down the session.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, action string, payload json.RawMessage) (result any, err error) {
	fn, ok := d.handlers[action]
	if !ok {
		return nil, fmt.Errorf("%s: %w", action, ocpperr.ErrUnknownAction)
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("action", action).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			result = nil
			err = frame.NewCallError(frame.InternalError, "internal error while handling %s", action)
		}
	}()
	return fn(ctx, s, payload)
}

func payloadError(action string, err error) *frame.CallError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return frame.NewCallError(frame.TypeConstraintViolation, "%s: field %s: expected %s", action, typeErr.Field, typeErr.Type)
	}
	return frame.NewCallError(frame.FormationViolation, "%s: %v", action, err)
}

// toCallError maps handler errors to the code sent to the station.
func toCallError(err error) *frame.CallError {
	var ce *frame.CallError
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, ocpperr.ErrUnknownAction):
		return frame.NewCallError(frame.NotImplemented, "%v", err)
	case ocpperr.IsValidation(err):
		return frame.NewCallError(frame.PropertyConstraintViolation, "%v", err)
	default:
		return frame.NewCallError(frame.InternalError, "%v", err)
	}
}
