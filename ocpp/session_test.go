package ocppserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balu-dk/go-ocpp-central/ocpp/eventlog"
	"github.com/balu-dk/go-ocpp-central/ocpp/frame"
	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
)

type countingMetrics struct {
	nopMetrics
	malformed atomic.Int64
	late      atomic.Int64
}

func (m *countingMetrics) IncMalformedFrames() { m.malformed.Add(1) }
func (m *countingMetrics) IncLateResponses()   { m.late.Add(1) }

func TestSendCallRoutesResultsOutOfOrder(t *testing.T) {
	reg := newTestRegistry(t)
	s, tr := connect(t, reg, "CP-1")

	const n = 5
	results := make([]json.RawMessage, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.SendCall(context.Background(), "DataTransfer", map[string]any{"vendorId": "acme", "messageId": fmt.Sprint(i)}, time.Second)
		}()
	}

	calls := make([]*frame.Message, 0, n)
	for i := 1; i <= n; i++ {
		calls = append(calls, tr.waitCall(t, i))
	}
	// Answer newest first; every caller must get the answer to its own call.
	for _, call := range slices.Backward(calls) {
		var req struct {
			MessageID string `json:"messageId"`
		}
		require.NoError(t, json.Unmarshal(call.Payload, &req))
		s.HandleInbound(context.Background(), result(t, call.UniqueID, map[string]any{"status": "Accepted", "data": req.MessageID}))
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		var conf DataTransferConfirmation
		require.NoError(t, json.Unmarshal(results[i], &conf))
		assert.JSONEq(t, fmt.Sprintf("%q", fmt.Sprint(i)), string(conf.Data))
	}
	assert.Equal(t, 0, s.pending.Len())
}

func TestSendCallTimeoutAndLateResponse(t *testing.T) {
	metrics := &countingMetrics{}
	reg := newTestRegistry(t, WithMetrics(metrics))
	s, tr := connect(t, reg, "CP-1")

	_, err := s.SendCall(context.Background(), "Reset", map[string]any{"type": "Soft"}, 30*time.Millisecond)
	require.ErrorIs(t, err, ocpperr.ErrTimeout)
	assert.Equal(t, 0, s.pending.Len())

	call := tr.last(t)
	s.HandleInbound(context.Background(), result(t, call.UniqueID, map[string]any{"status": "Accepted"}))

	assert.EqualValues(t, 1, metrics.late.Load())
	// The late frame is still auditable and correlated to its call.
	var entries []eventlog.Entry
	for e := range s.Events().Query(eventlog.Filter{Actions: []string{"Reset"}}) {
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, frame.CallResultType, entries[1].Kind)
}

func TestSendCallNotConnected(t *testing.T) {
	reg := newTestRegistry(t)
	s, tr := connect(t, reg, "CP-1")
	reg.TransportClosed(context.Background(), s, tr)

	_, err := s.SendCall(context.Background(), "ClearCache", nil, time.Second)
	assert.ErrorIs(t, err, ocpperr.ErrNotConnected)
}

func TestSendCallStationError(t *testing.T) {
	reg := newTestRegistry(t)
	s, tr := connect(t, reg, "CP-1")
	tr.respond = func(msg *frame.Message) {
		s.HandleInbound(context.Background(), encode(t, frame.NewError(msg.UniqueID, frame.NotSupported, "no reset here", nil)))
	}

	_, err := s.SendCall(context.Background(), "Reset", map[string]any{"type": "Hard"}, time.Second)
	var ce *frame.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, frame.NotSupported, ce.Code)
	assert.Equal(t, "no reset here", ce.Description)
}

func TestSendCallContextCancelled(t *testing.T) {
	reg := newTestRegistry(t)
	s, _ := connect(t, reg, "CP-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.SendCall(ctx, "ClearCache", nil, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.pending.Len())
}

func TestTransportCloseFailsPendingCalls(t *testing.T) {
	reg := newTestRegistry(t)
	s, tr := connect(t, reg, "CP-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendCall(context.Background(), "GetConfiguration", nil, 5*time.Second)
		errCh <- err
	}()
	tr.waitCall(t, 1)

	reg.TransportClosed(context.Background(), s, tr)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ocpperr.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed on close")
	}
	assert.Equal(t, Disconnected, s.State())
}

func TestConnectorStatusSurvivesReconnect(t *testing.T) {
	reg := newTestRegistry(t)
	s, tr := connect(t, reg, "CP-1")

	inbound(t, s, tr, "1", "StatusNotification", map[string]any{
		"connectorId": 1, "errorCode": "NoError", "status": "Charging",
	})
	reg.TransportClosed(context.Background(), s, tr)

	st, ok := s.ConnectorStatus(1)
	require.True(t, ok)
	assert.Equal(t, StatusCharging, st.Status)

	again, _ := connect(t, reg, "CP-1")
	require.Same(t, s, again)
	st, _ = again.ConnectorStatus(1)
	assert.Equal(t, StatusCharging, st.Status)
	assert.Equal(t, Connected, again.State())
}

func TestUnknownActionRepliesNotImplemented(t *testing.T) {
	reg := newTestRegistry(t)
	s, tr := connect(t, reg, "CP-1")

	reply := inbound(t, s, tr, "u1", "AcmeTeleport", map[string]any{})
	assert.Equal(t, frame.CallErrorType, reply.Type)
	assert.Equal(t, frame.NotImplemented, reply.ErrorCode)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	d := NewStationDispatcher()
	d.HandleFunc("Explode", func(context.Context, *Session, json.RawMessage) (any, error) {
		panic("boom")
	})
	reg := newTestRegistry(t, WithDispatcher(d))
	s, tr := connect(t, reg, "CP-1")

	reply := inbound(t, s, tr, "p1", "Explode", map[string]any{})
	assert.Equal(t, frame.CallErrorType, reply.Type)
	assert.Equal(t, frame.InternalError, reply.ErrorCode)

	reply = inbound(t, s, tr, "p2", "Heartbeat", map[string]any{})
	assert.Equal(t, frame.CallResultType, reply.Type)
	assert.Equal(t, Connected, s.State())
}

func TestPayloadErrors(t *testing.T) {
	reg := newTestRegistry(t)
	s, tr := connect(t, reg, "CP-1")

	reply := inbound(t, s, tr, "v1", "StatusNotification", map[string]any{"connectorId": "one", "status": "Available", "errorCode": "NoError"})
	assert.Equal(t, frame.TypeConstraintViolation, reply.ErrorCode)

	reply = inbound(t, s, tr, "v2", "BootNotification", map[string]any{"chargePointVendor": "Acme"})
	assert.Equal(t, frame.OccurrenceConstraintViolation, reply.ErrorCode)

	reply = inbound(t, s, tr, "v3", "StatusNotification", map[string]any{"connectorId": 1, "status": "Sleeping", "errorCode": "NoError"})
	assert.Equal(t, frame.PropertyConstraintViolation, reply.ErrorCode)
}

func TestMalformedFrames(t *testing.T) {
	metrics := &countingMetrics{}
	reg := newTestRegistry(t, WithMetrics(metrics))
	s, tr := connect(t, reg, "CP-1")

	s.HandleInbound(context.Background(), []byte(`not json`))
	assert.Empty(t, tr.frames(t), "unparseable frames get no reply")

	s.HandleInbound(context.Background(), []byte(`[2,"m1","Heartbeat"]`))
	reply := tr.last(t)
	assert.Equal(t, frame.CallErrorType, reply.Type)
	assert.Equal(t, "m1", reply.UniqueID)
	assert.Equal(t, frame.FormationViolation, reply.ErrorCode)

	assert.EqualValues(t, 2, metrics.malformed.Load())
	assert.Equal(t, Connected, s.State())
}

func TestEventLogCorrelatesBootNotification(t *testing.T) {
	reg := newTestRegistry(t)
	s, tr := connect(t, reg, "CP-1")

	inbound(t, s, tr, "b1", "BootNotification", map[string]any{"chargePointVendor": "Acme", "chargePointModel": "X"})
	// Shares the field name "status" with the boot confirmation.
	inbound(t, s, tr, "s1", "StatusNotification", map[string]any{"connectorId": 0, "errorCode": "NoError", "status": "Available"})

	var got []string
	for e := range s.Events().Query(eventlog.Filter{Actions: []string{"BootNotification"}}) {
		got = append(got, e.Kind.String()+":"+e.UniqueID)
	}
	assert.Equal(t, []string{"CALL:b1", "RESULT:b1"}, got)
}

func TestSnapshot(t *testing.T) {
	reg := newTestRegistry(t)
	s, tr := connect(t, reg, "CP-1")
	inbound(t, s, tr, "b1", "BootNotification", map[string]any{"chargePointVendor": "Acme", "chargePointModel": "X", "firmwareVersion": "1.2"})

	snap := s.Snapshot()
	assert.Equal(t, "CP-1", snap.Identity)
	assert.Equal(t, Connected, snap.State)
	require.NotNil(t, snap.Boot)
	assert.Equal(t, "Acme", snap.Boot.Vendor)
	assert.Equal(t, "1.2", snap.Boot.FirmwareVersion)
	assert.Equal(t, 60, snap.HeartbeatInterval)

	// The snapshot is a copy.
	snap.Connectors[9] = ConnectorState{Status: StatusFaulted}
	_, ok := s.ConnectorStatus(9)
	assert.False(t, ok)
}
