package ocppserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balu-dk/go-ocpp-central/ocpp/frame"
	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
	"github.com/balu-dk/go-ocpp-central/ocpp/reservation"
	"github.com/balu-dk/go-ocpp-central/ocpp/smartcharging"
)

// stationWith connects a station whose every CALL is answered by answer.
func stationWith(t *testing.T, reg *Registry, answer func(action string, payload json.RawMessage) any) (*Session, *fakeTransport) {
	t.Helper()
	s, tr := connect(t, reg, "CP-1")
	tr.respond = func(msg *frame.Message) {
		if msg.Type != frame.CallType {
			return
		}
		s.HandleInbound(context.Background(), result(t, msg.UniqueID, answer(msg.Action, msg.Payload)))
	}
	return s, tr
}

func status(st string) func(string, json.RawMessage) any {
	return func(string, json.RawMessage) any { return map[string]any{"status": st} }
}

func TestSimpleCommands(t *testing.T) {
	reg := newTestRegistry(t)
	_, tr := stationWith(t, reg, status("Accepted"))
	cm := NewCommandManager(reg)
	ctx := context.Background()

	connector := 2
	st, err := cm.RemoteStartTransaction(ctx, "CP-1", "TAG", &connector, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, st)
	assert.JSONEq(t, `{"idTag":"TAG","connectorId":2}`, string(tr.last(t).Payload))

	_, err = cm.RemoteStopTransaction(ctx, "CP-1", 7)
	require.NoError(t, err)
	_, err = cm.Reset(ctx, "CP-1", "Soft")
	require.NoError(t, err)
	_, err = cm.UnlockConnector(ctx, "CP-1", 1)
	require.NoError(t, err)
	_, err = cm.ChangeAvailability(ctx, "CP-1", 0, "Inoperative")
	require.NoError(t, err)
	_, err = cm.ChangeConfiguration(ctx, "CP-1", "HeartbeatInterval", "120")
	require.NoError(t, err)
	_, err = cm.ClearCache(ctx, "CP-1")
	require.NoError(t, err)
	_, err = cm.TriggerMessage(ctx, "CP-1", "StatusNotification", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestedMessage":"StatusNotification"}`, string(tr.last(t).Payload))

	actions := []string{}
	for _, msg := range tr.frames(t) {
		if msg.Type == frame.CallType {
			actions = append(actions, msg.Action)
		}
	}
	assert.Equal(t, []string{
		"RemoteStartTransaction", "RemoteStopTransaction", "Reset", "UnlockConnector",
		"ChangeAvailability", "ChangeConfiguration", "ClearCache", "TriggerMessage",
	}, actions)
}

func TestCommandValidationNeverReachesStation(t *testing.T) {
	reg := newTestRegistry(t)
	_, tr := stationWith(t, reg, status("Accepted"))
	cm := NewCommandManager(reg)
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["reset"] = cm.Reset(ctx, "CP-1", "Medium")
	_, checks["unlock"] = cm.UnlockConnector(ctx, "CP-1", 0)
	_, checks["availability"] = cm.ChangeAvailability(ctx, "CP-1", 1, "Maybe")
	_, checks["config"] = cm.ChangeConfiguration(ctx, "CP-1", "", "x")
	_, checks["start"] = cm.RemoteStartTransaction(ctx, "CP-1", "", nil, nil)
	_, checks["trigger"] = cm.TriggerMessage(ctx, "CP-1", "StartTransaction", nil)
	_, checks["diagnostics"] = cm.GetDiagnostics(ctx, "CP-1", "", nil, nil, nil, nil)
	checks["firmware"] = cm.UpdateFirmware(ctx, "CP-1", "http://fw", time.Time{}, nil, nil)
	_, checks["composite"] = cm.GetCompositeSchedule(ctx, "CP-1", 1, 0, "")
	_, checks["generic"] = cm.SendGeneric(ctx, "CP-1", "", nil)

	for name, err := range checks {
		assert.True(t, ocpperr.IsValidation(err), "%s: %v", name, err)
	}
	assert.Empty(t, tr.frames(t))
}

func TestCommandUnknownStation(t *testing.T) {
	reg := newTestRegistry(t)
	cm := NewCommandManager(reg)
	_, err := cm.ClearCache(context.Background(), "ghost")
	assert.ErrorIs(t, err, ocpperr.ErrNotFound)
}

func TestGetConfigurationAndDiagnostics(t *testing.T) {
	reg := newTestRegistry(t)
	stationWith(t, reg, func(action string, _ json.RawMessage) any {
		switch action {
		case "GetConfiguration":
			return map[string]any{
				"configurationKey": []map[string]any{{"key": "HeartbeatInterval", "readonly": false, "value": "60"}},
				"unknownKey":       []string{"Foo"},
			}
		case "GetDiagnostics":
			return map[string]any{"fileName": "diag.zip"}
		}
		return map[string]any{}
	})
	cm := NewCommandManager(reg)
	ctx := context.Background()

	conf, err := cm.GetConfiguration(ctx, "CP-1", []string{"HeartbeatInterval", "Foo"})
	require.NoError(t, err)
	require.Len(t, conf.ConfigurationKey, 1)
	assert.Equal(t, "60", *conf.ConfigurationKey[0].Value)
	assert.Equal(t, []string{"Foo"}, conf.UnknownKey)

	retries := 2
	name, err := cm.GetDiagnostics(ctx, "CP-1", "ftp://upload", nil, nil, &retries, nil)
	require.NoError(t, err)
	assert.Equal(t, "diag.zip", name)

	require.NoError(t, cm.UpdateFirmware(ctx, "CP-1", "http://fw", time.Now(), nil, nil))
}

func TestReserveNow(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, WithClock(clock.Now))
	answer := "Accepted"
	s, tr := stationWith(t, reg, func(string, json.RawMessage) any { return map[string]any{"status": answer} })
	cm := NewCommandManager(reg)
	ctx := context.Background()

	r := reservation.Reservation{ID: 1, ConnectorID: 3, IDTag: "TAG", ExpiresAt: clock.Now().Add(time.Hour)}
	st, err := cm.ReserveNow(ctx, "CP-1", r)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, st)
	_, ok := s.Reservations().Active(3)
	assert.True(t, ok)

	// Same id again is an idempotent re-reservation.
	_, err = cm.ReserveNow(ctx, "CP-1", r)
	require.NoError(t, err)

	sent := len(tr.frames(t))
	_, err = cm.ReserveNow(ctx, "CP-1", reservation.Reservation{ID: 2, ConnectorID: 3, IDTag: "OTHER", ExpiresAt: clock.Now().Add(time.Hour)})
	assert.True(t, ocpperr.IsConflict(err))
	assert.Len(t, tr.frames(t), sent, "conflicts are decided locally")

	// A refused reservation leaves no trace.
	answer = "Occupied"
	st, err = cm.ReserveNow(ctx, "CP-1", reservation.Reservation{ID: 3, ConnectorID: 1, IDTag: "TAG", ExpiresAt: clock.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "Occupied", st)
	_, ok = s.Reservations().Get(3)
	assert.False(t, ok)

	answer = "Accepted"
	_, err = cm.CancelReservation(ctx, "CP-1", 1)
	require.NoError(t, err)
	got, _ := s.Reservations().Get(1)
	assert.Equal(t, reservation.Cancelled, got.Status)
}

func TestReserveNowRollbackRestoresPrevious(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, WithClock(clock.Now))
	answer := "Accepted"
	s, _ := stationWith(t, reg, func(string, json.RawMessage) any { return map[string]any{"status": answer} })
	cm := NewCommandManager(reg)

	first := reservation.Reservation{ID: 1, ConnectorID: 1, IDTag: "TAG", ExpiresAt: clock.Now().Add(time.Hour)}
	_, err := cm.ReserveNow(context.Background(), "CP-1", first)
	require.NoError(t, err)

	answer = "Rejected"
	moved := first
	moved.ExpiresAt = clock.Now().Add(3 * time.Hour)
	_, err = cm.ReserveNow(context.Background(), "CP-1", moved)
	require.NoError(t, err)

	got, ok := s.Reservations().Get(1)
	require.True(t, ok)
	assert.True(t, got.ExpiresAt.Equal(first.ExpiresAt))
	assert.Equal(t, reservation.Active, got.Status)
}

func txDefault(id, stack int, limit float64) smartcharging.Profile {
	return smartcharging.Profile{
		ID: id, StackLevel: stack, Purpose: smartcharging.TxDefaultProfile, Kind: smartcharging.Absolute,
		Schedule: smartcharging.Schedule{
			ChargingRateUnit: smartcharging.Amps,
			Periods:          []smartcharging.Period{{StartPeriod: 0, Limit: limit}},
		},
	}
}

func TestSetAndClearChargingProfile(t *testing.T) {
	reg := newTestRegistry(t)
	answer := "Accepted"
	s, tr := stationWith(t, reg, func(string, json.RawMessage) any { return map[string]any{"status": answer} })
	cm := NewCommandManager(reg)
	ctx := context.Background()

	st, err := cm.SetChargingProfile(ctx, "CP-1", 1, txDefault(10, 0, 16))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, st)
	assert.Equal(t, 1, s.Profiles().Len())

	var sent map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(tr.last(t).Payload, &sent))
	assert.JSONEq(t, `1`, string(sent["connectorId"]))
	assert.Contains(t, string(sent["csChargingProfiles"]), `"chargingProfilePurpose":"TxDefaultProfile"`)

	answer = "Rejected"
	_, err = cm.SetChargingProfile(ctx, "CP-1", 1, txDefault(11, 1, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Profiles().Len(), "refused profiles are not installed")

	bad := txDefault(12, 0, -1)
	_, err = cm.SetChargingProfile(ctx, "CP-1", 1, bad)
	assert.True(t, ocpperr.IsValidation(err))

	tx := txDefault(13, 0, 10)
	tx.Purpose = smartcharging.TxProfile
	_, err = cm.SetChargingProfile(ctx, "CP-1", 1, tx)
	assert.True(t, ocpperr.IsValidation(err), "TxProfile needs a running transaction")

	answer = "Accepted"
	id := 10
	_, err = cm.ClearChargingProfile(ctx, "CP-1", smartcharging.ClearFilter{ID: &id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":10}`, string(tr.last(t).Payload))
	assert.Equal(t, 0, s.Profiles().Len())
}

func TestGetCompositeScheduleAndGeneric(t *testing.T) {
	reg := newTestRegistry(t)
	_, tr := stationWith(t, reg, func(action string, _ json.RawMessage) any {
		if action == "GetCompositeSchedule" {
			return map[string]any{"status": "Accepted", "connectorId": 1, "chargingSchedule": map[string]any{"chargingRateUnit": "A"}}
		}
		return map[string]any{"echo": action}
	})
	cm := NewCommandManager(reg)

	conf, err := cm.GetCompositeSchedule(context.Background(), "CP-1", 1, 3600, smartcharging.Amps)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", conf.Status)
	assert.JSONEq(t, `{"connectorId":1,"duration":3600,"chargingRateUnit":"A"}`, string(tr.last(t).Payload))

	raw, err := cm.SendGeneric(context.Background(), "CP-1", "AcmeThing", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"AcmeThing"}`, string(raw))
}
