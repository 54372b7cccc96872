package ocppserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/balu-dk/go-ocpp-central/internal/notify"
	"github.com/balu-dk/go-ocpp-central/ocpp/eventlog"
	"github.com/balu-dk/go-ocpp-central/ocpp/frame"
	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
	"github.com/balu-dk/go-ocpp-central/ocpp/pending"
	"github.com/balu-dk/go-ocpp-central/ocpp/reservation"
	"github.com/balu-dk/go-ocpp-central/ocpp/smartcharging"
)

type ConnectionState string

const (
	Connected    ConnectionState = "Connected"
	Disconnected ConnectionState = "Disconnected"
)

type ConnectorState struct {
	Status    ChargePointStatus `json:"status"`
	ErrorCode string            `json:"errorCode,omitempty"`
	Info      string            `json:"info,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type BootInfo struct {
	Vendor          string    `json:"vendor"`
	Model           string    `json:"model"`
	SerialNumber    string    `json:"serialNumber,omitempty"`
	FirmwareVersion string    `json:"firmwareVersion,omitempty"`
	BootedAt        time.Time `json:"bootedAt"`
}

type TransactionInfo struct {
	ID            int       `json:"transactionId"`
	Identity      string    `json:"chargePointId"`
	ConnectorID   int       `json:"connectorId"`
	IDTag         string    `json:"idTag"`
	MeterStart    int       `json:"meterStart"`
	StartedAt     time.Time `json:"startedAt"`
	ReservationID *int      `json:"reservationId,omitempty"`
}

type TransactionStop struct {
	MeterStop int       `json:"meterStop"`
	StoppedAt time.Time `json:"stoppedAt"`
	Reason    string    `json:"reason,omitempty"`
	IDTag     string    `json:"idTag,omitempty"`
}

type MeterReading struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Measurand string    `json:"measurand"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a read-only copy of a session for dashboards.
type Snapshot struct {
	Identity          string                  `json:"id"`
	State             ConnectionState         `json:"connectionState"`
	ConnectedAt       time.Time               `json:"connectedAt,omitempty"`
	DisconnectedAt    time.Time               `json:"disconnectedAt,omitempty"`
	Boot              *BootInfo               `json:"boot,omitempty"`
	HeartbeatInterval int                     `json:"heartbeatInterval"`
	LastHeartbeat     time.Time               `json:"lastHeartbeat,omitempty"`
	Connectors        map[int]ConnectorState  `json:"connectors"`
	Transactions      map[int]TransactionInfo `json:"activeTransactions"`
	LastMeter         map[int]MeterReading    `json:"lastMeter,omitempty"`
	DiagnosticsStatus string                  `json:"diagnosticsStatus,omitempty"`
	FirmwareStatus    string                  `json:"firmwareStatus,omitempty"`
	PendingCalls      int                     `json:"pendingCalls"`
	Profiles          int                     `json:"profiles"`
}

// Session is the server side of one station. It outlives its transports:
// a reconnect attaches a new transport to the same Session.
type Session struct {
	identity string
	reg      *Registry
	log      zerolog.Logger

	mu                sync.RWMutex
	state             ConnectionState
	transport         Transport
	connectedAt       time.Time
	disconnectedAt    time.Time
	boot              *BootInfo
	heartbeatInterval int
	lastHeartbeat     time.Time
	connectors        map[int]ConnectorState
	transactions      map[int]TransactionInfo
	lastMeter         map[int]MeterReading
	diagnosticsStatus string
	firmwareStatus    string

	// removed is set once Remove has dropped the session from the registry.
	removed bool

	// connectMu serialises transport hand-overs.
	connectMu sync.Mutex

	// writeMu serialises frames onto the transport.
	writeMu sync.Mutex

	pending      *pending.Tracker
	events       *eventlog.Log
	profiles     *smartcharging.Composer
	reservations *reservation.Book
}

func newSession(identity string, reg *Registry) *Session {
	return &Session{
		identity:          identity,
		reg:               reg,
		log:               reg.log.With().Str("station", identity).Logger(),
		state:             Disconnected,
		heartbeatInterval: reg.cfg.HeartbeatInterval,
		connectors:        make(map[int]ConnectorState),
		transactions:      make(map[int]TransactionInfo),
		lastMeter:         make(map[int]MeterReading),
		pending:           pending.NewTracker(reg.now),
		events:            eventlog.New(reg.cfg.EventLogCapacity).WithClock(reg.now),
		profiles:          newComposer(reg),
		reservations:      reservation.NewBook(reg.now),
	}
}

func newComposer(reg *Registry) *smartcharging.Composer {
	return smartcharging.NewComposer(
		smartcharging.WithPolicy(reg.policy),
		smartcharging.WithVoltage(reg.cfg.NominalVoltage),
		smartcharging.WithMaxDuration(reg.cfg.CompositeMaxDuration),
	)
}

func (s *Session) Identity() string { return s.identity }

func (s *Session) Events() *eventlog.Log { return s.events }

func (s *Session) Profiles() *smartcharging.Composer { return s.profiles }

func (s *Session) Reservations() *reservation.Book { return s.reservations }

func (s *Session) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ConnectorStatus returns the last reported state of a connector.
func (s *Session) ConnectorStatus(connectorID int) (ConnectorState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.connectors[connectorID]
	return st, ok
}

// ActiveTransaction returns the transaction running on a connector.
func (s *Session) ActiveTransaction(connectorID int) (TransactionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[connectorID]
	return tx, ok
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Identity:          s.identity,
		State:             s.state,
		ConnectedAt:       s.connectedAt,
		DisconnectedAt:    s.disconnectedAt,
		HeartbeatInterval: s.heartbeatInterval,
		LastHeartbeat:     s.lastHeartbeat,
		Connectors:        maps.Clone(s.connectors),
		Transactions:      maps.Clone(s.transactions),
		LastMeter:         maps.Clone(s.lastMeter),
		DiagnosticsStatus: s.diagnosticsStatus,
		FirmwareStatus:    s.firmwareStatus,
		PendingCalls:      s.pending.Len(),
		Profiles:          s.profiles.Len(),
	}
	if s.boot != nil {
		boot := *s.boot
		snap.Boot = &boot
	}
	return snap
}

// attach makes t the live transport and returns the one it replaces. Calls
// sent over the replaced transport can no longer be answered and are failed.
// errSessionRemoved is returned by attach once Remove has dropped the session.
var errSessionRemoved = errors.New("session removed")

// attach makes t the active transport. A transport still attached from an
// earlier connection is detached and closed first, and its outstanding calls
// fail. reconnected reports whether there was such a transport.
func (s *Session) attach(t Transport) (reconnected bool, err error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return false, errSessionRemoved
	}
	prev := s.transport
	s.transport = nil
	s.mu.Unlock()

	if prev != nil {
		if failed := s.pending.FailAll(ocpperr.ErrConnectionClosed); len(failed) > 0 {
			s.log.Warn().Strs("calls", failed).Msg("failed outstanding calls on reconnect")
		}
		s.log.Info().Msg("station reconnected, closing previous connection")
		if err := prev.Close(); err != nil {
			s.log.Debug().Err(err).Msg("closing previous connection")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return prev != nil, errSessionRemoved
	}
	s.transport = t
	s.state = Connected
	s.connectedAt = s.reg.now()
	return prev != nil, nil
}

// retire marks the session removed and returns its transport, if any. attach
// fails from then on.
func (s *Session) retire() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	return s.transport
}

// Detach handles the loss of transport t. It is a no-op when t has already
// been replaced by a newer connection. Outstanding calls fail with
// ocpperr.ErrConnectionClosed; connector states are left as they are.
func (s *Session) Detach(t Transport) bool {
	s.mu.Lock()
	if s.transport != t || t == nil {
		s.mu.Unlock()
		return false
	}
	s.transport = nil
	s.state = Disconnected
	s.disconnectedAt = s.reg.now()
	s.mu.Unlock()

	if failed := s.pending.FailAll(ocpperr.ErrConnectionClosed); len(failed) > 0 {
		s.log.Warn().Strs("calls", failed).Msg("failed outstanding calls on disconnect")
	}
	return true
}

// SendCall sends a CALL and blocks until the correlated response arrives, the
// timeout elapses or ctx is done. A non-positive timeout uses the configured
// default. A station ERROR is returned as *frame.CallError.
func (s *Session) SendCall(ctx context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.reg.cfg.CallTimeout
	}
	id := uuid.NewString()
	msg, err := frame.NewCall(id, action, payload)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	t, state := s.transport, s.state
	s.mu.RUnlock()
	if state != Connected || t == nil {
		return nil, fmt.Errorf("%s to %s: %w", action, s.identity, ocpperr.ErrNotConnected)
	}

	started := s.reg.now()
	call, err := s.pending.Register(id, action, started.Add(timeout))
	if err != nil {
		return nil, err
	}

	if err := s.write(t, msg); err != nil {
		s.pending.Fail(id, err)
		<-call.Done()
		s.reg.metrics.ObserveOutboundCall(action, "send_error", 0)
		return nil, fmt.Errorf("send %s to %s: %w", action, s.identity, err)
	}
	s.log.Debug().Str("action", action).Str("id", id).Msg("sent call")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res pending.Result
	select {
	case res = <-call.Done():
	case <-timer.C:
		s.pending.Fail(id, fmt.Errorf("%s %s: %w", action, id, ocpperr.ErrTimeout))
		res = <-call.Done()
	case <-ctx.Done():
		s.pending.Fail(id, ctx.Err())
		res = <-call.Done()
	}

	elapsed := s.reg.now().Sub(started)
	s.reg.metrics.ObserveOutboundCall(action, outcome(res.Err), elapsed)
	if res.Err != nil {
		if errors.Is(res.Err, ocpperr.ErrTimeout) {
			s.log.Warn().Str("action", action).Str("id", id).Dur("timeout", timeout).Msg("call timed out")
		}
		return nil, res.Err
	}
	return res.Payload, nil
}

func outcome(err error) string {
	var ce *frame.CallError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ocpperr.ErrTimeout):
		return "timeout"
	case errors.Is(err, ocpperr.ErrConnectionClosed):
		return "closed"
	case errors.As(err, &ce):
		return "call_error"
	default:
		return "error"
	}
}

// write records msg in the event log and sends it. The log entry is made
// before the bytes leave so a fast response always finds its CALL.
func (s *Session) write(t Transport, msg *frame.Message) error {
	data, err := frame.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.record(eventlog.ServerToStation, msg, data)
	return t.Send(data)
}

func (s *Session) reply(msg *frame.Message) {
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	if t == nil {
		s.log.Warn().Str("id", msg.UniqueID).Msg("cannot reply, station disconnected")
		return
	}
	if err := s.write(t, msg); err != nil {
		s.log.Error().Err(err).Str("id", msg.UniqueID).Msg("failed to send reply")
	}
}

func (s *Session) record(dir eventlog.Direction, msg *frame.Message, raw []byte) {
	e := s.events.Record(dir, msg)
	if s.reg.recorder != nil {
		s.reg.recorder.RecordFrame(s.identity, e, raw)
	}
}

// HandleInbound processes one frame read from the transport. Frames of one
// station must be passed in arrival order from a single goroutine.
func (s *Session) HandleInbound(ctx context.Context, data []byte) {
	msg, err := frame.Decode(data)
	if err != nil {
		s.reg.metrics.IncMalformedFrames()
		s.log.Warn().Err(err).Bytes("frame", data).Msg("malformed frame")
		var de *frame.DecodeError
		if errors.As(err, &de) && de.Recoverable() {
			s.reply(frame.NewError(de.UniqueID, de.Code, de.Reason, nil))
		}
		return
	}
	s.record(eventlog.StationToServer, msg, data)

	switch msg.Type {
	case frame.CallType:
		s.handleCall(ctx, msg)
	case frame.CallResultType:
		if !s.pending.Resolve(msg.UniqueID, msg.Payload) {
			s.lateResponse(msg)
		}
	case frame.CallErrorType:
		ce := &frame.CallError{
			UniqueID:    msg.UniqueID,
			Code:        msg.ErrorCode,
			Description: msg.ErrorDescription,
			Details:     msg.ErrorDetails,
		}
		if !s.pending.Fail(msg.UniqueID, ce) {
			s.lateResponse(msg)
		}
	}
}

func (s *Session) lateResponse(msg *frame.Message) {
	s.reg.metrics.IncLateResponses()
	s.log.Warn().
		Str("id", msg.UniqueID).
		Stringer("kind", msg.Type).
		RawJSON("payload", nonEmpty(msg.Payload)).
		Msg("response for unknown or expired call")
}

func nonEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func (s *Session) handleCall(ctx context.Context, msg *frame.Message) {
	s.log.Debug().Str("action", msg.Action).Str("id", msg.UniqueID).Msg("received call")

	result, err := s.reg.dispatcher.Dispatch(ctx, s, msg.Action, msg.Payload)
	if err != nil {
		ce := toCallError(err)
		s.reg.metrics.ObserveInboundCall(msg.Action, string(ce.Code))
		s.log.Warn().Err(err).Str("action", msg.Action).Str("id", msg.UniqueID).Msg("call rejected")
		s.reply(ce.Message(msg.UniqueID))
		return
	}

	out, err := frame.NewResult(msg.UniqueID, result)
	if err != nil {
		s.reg.metrics.ObserveInboundCall(msg.Action, string(frame.InternalError))
		s.log.Error().Err(err).Str("action", msg.Action).Msg("cannot encode result")
		s.reply(frame.NewError(msg.UniqueID, frame.InternalError, "cannot encode result", nil))
		return
	}
	s.reg.metrics.ObserveInboundCall(msg.Action, "ok")
	s.reply(out)
}

// OnStatusNotification stores a connector's operational state. It is the
// only writer of connector states.
func (s *Session) OnStatusNotification(connectorID int, status ChargePointStatus, errorCode, info string, at time.Time) {
	s.mu.Lock()
	s.connectors[connectorID] = ConnectorState{Status: status, ErrorCode: errorCode, Info: info, UpdatedAt: at}
	s.mu.Unlock()
}

func (s *Session) onBoot(info BootInfo) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boot = &info
	s.lastHeartbeat = info.BootedAt
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = s.reg.cfg.HeartbeatInterval
	}
	return s.heartbeatInterval
}

func (s *Session) onHeartbeat(at time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = at
	s.mu.Unlock()
}

func (s *Session) startTransaction(tx TransactionInfo) {
	s.mu.Lock()
	s.transactions[tx.ConnectorID] = tx
	s.mu.Unlock()
}

// stopTransaction removes the transaction with id txID and reports it.
func (s *Session) stopTransaction(txID int) (TransactionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, tx := range s.transactions {
		if tx.ID == txID {
			delete(s.transactions, conn)
			return tx, true
		}
	}
	return TransactionInfo{}, false
}

func (s *Session) setMeter(connectorID int, r MeterReading) {
	s.mu.Lock()
	s.lastMeter[connectorID] = r
	s.mu.Unlock()
}

func (s *Session) setDiagnosticsStatus(status string) {
	s.mu.Lock()
	s.diagnosticsStatus = status
	s.mu.Unlock()
}

func (s *Session) setFirmwareStatus(status string) {
	s.mu.Lock()
	s.firmwareStatus = status
	s.mu.Unlock()
}

// CompositeSchedule composes the installed profiles of a connector starting
// now, taking its running transaction into account.
func (s *Session) CompositeSchedule(connectorID, duration int, unit smartcharging.RateUnit) (smartcharging.CompositeSchedule, error) {
	req := smartcharging.ComposeRequest{
		ConnectorID: connectorID,
		Start:       s.reg.now().Truncate(time.Second),
		Duration:    duration,
		RateUnit:    unit,
	}
	if tx, ok := s.ActiveTransaction(connectorID); ok {
		req.Transaction = &smartcharging.Transaction{ID: tx.ID, StartAt: tx.StartedAt}
	}
	return s.profiles.Compose(req)
}

func (s *Session) stationRecord() StationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := StationRecord{
		Identity:          s.identity,
		Connected:         s.state == Connected,
		HeartbeatInterval: s.heartbeatInterval,
		LastHeartbeat:     s.lastHeartbeat,
		Connectors:        maps.Clone(s.connectors),
		Transactions:      maps.Clone(s.transactions),
	}
	if s.boot != nil {
		boot := *s.boot
		rec.Boot = &boot
	}
	return rec
}

// persist hands the session state to the persister. Errors are logged only.
func (s *Session) persist(ctx context.Context) {
	if s.reg.persister == nil {
		return
	}
	rec := s.stationRecord()
	rec.Profiles = s.profiles.Profiles(-1)
	rec.Reservations = s.reservations.List()
	if err := s.reg.persister.SaveStation(ctx, rec); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist station state")
	}
}

// restore loads durable state into a fresh, disconnected session.
func (s *Session) restore(rec StationRecord) error {
	s.mu.Lock()
	if rec.Boot != nil {
		boot := *rec.Boot
		s.boot = &boot
	}
	if rec.HeartbeatInterval > 0 {
		s.heartbeatInterval = rec.HeartbeatInterval
	}
	s.lastHeartbeat = rec.LastHeartbeat
	if rec.Connectors != nil {
		s.connectors = maps.Clone(rec.Connectors)
	}
	if rec.Transactions != nil {
		s.transactions = maps.Clone(rec.Transactions)
	}
	s.mu.Unlock()

	s.reservations.Load(rec.Reservations)
	if err := s.profiles.Load(rec.Profiles); err != nil {
		return fmt.Errorf("restore %s: %w", s.identity, err)
	}
	return nil
}

func (s *Session) publish(ctx context.Context, kind string, connectorID *int, data any) {
	s.reg.publish(ctx, notify.Event{
		Type:        kind,
		StationID:   s.identity,
		ConnectorID: connectorID,
		Timestamp:   s.reg.now(),
		Data:        data,
	})
}
