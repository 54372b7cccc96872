package ocppserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
	"github.com/balu-dk/go-ocpp-central/ocpp/reservation"
	"github.com/balu-dk/go-ocpp-central/ocpp/smartcharging"
)

// Command status values returned by stations.
const (
	StatusAccepted = "Accepted"
	StatusRejected = "Rejected"
)

// CommandManager sends OCPP commands to stations. Parameters are validated
// locally first; a validation failure never reaches the station.
type CommandManager struct {
	reg *Registry
}

func NewCommandManager(reg *Registry) *CommandManager {
	return &CommandManager{reg: reg}
}

// SendCommand sends action to a station and waits for its confirmation
// using the configured call timeout.
func (cm *CommandManager) SendCommand(ctx context.Context, stationID, action string, payload any) (json.RawMessage, error) {
	s, err := cm.reg.Get(stationID)
	if err != nil {
		return nil, err
	}
	return s.SendCall(ctx, action, payload, cm.reg.cfg.CallTimeout)
}

// sendStatus sends a command whose confirmation is a bare status.
func (cm *CommandManager) sendStatus(ctx context.Context, stationID, action string, payload any) (string, error) {
	raw, err := cm.SendCommand(ctx, stationID, action, payload)
	if err != nil {
		return "", err
	}
	var conf statusConfirmation
	if err := json.Unmarshal(raw, &conf); err != nil {
		return "", fmt.Errorf("%s: invalid confirmation: %w", action, err)
	}
	if conf.Status == "" {
		return "", fmt.Errorf("%s: confirmation without status", action)
	}
	return conf.Status, nil
}

func decodeConfirmation[T any](action string, raw json.RawMessage) (*T, error) {
	conf := new(T)
	if err := json.Unmarshal(raw, conf); err != nil {
		return nil, fmt.Errorf("%s: invalid confirmation: %w", action, err)
	}
	return conf, nil
}

// RemoteStartTransaction asks a station to start charging for idTag. An
// optional profile must be a TxProfile.
func (cm *CommandManager) RemoteStartTransaction(ctx context.Context, stationID, idTag string, connectorID *int, profile *smartcharging.Profile) (string, error) {
	if err := checkIdTag(idTag); err != nil {
		return "", err
	}
	if connectorID != nil && *connectorID <= 0 {
		return "", ocpperr.Invalid("connectorId", "must be > 0")
	}
	if profile != nil {
		if profile.Purpose != smartcharging.TxProfile {
			return "", ocpperr.Invalid("chargingProfile.chargingProfilePurpose", "must be %s", smartcharging.TxProfile)
		}
		if err := smartcharging.Validate(*profile); err != nil {
			return "", err
		}
	}
	return cm.sendStatus(ctx, stationID, "RemoteStartTransaction", map[string]any{
		"idTag":           idTag,
		"connectorId":     connectorID,
		"chargingProfile": profile,
	})
}

func (cm *CommandManager) RemoteStopTransaction(ctx context.Context, stationID string, transactionID int) (string, error) {
	return cm.sendStatus(ctx, stationID, "RemoteStopTransaction", map[string]any{
		"transactionId": transactionID,
	})
}

// Reset sends a Hard or Soft reset.
func (cm *CommandManager) Reset(ctx context.Context, stationID, resetType string) (string, error) {
	if resetType != "Hard" && resetType != "Soft" {
		return "", ocpperr.Invalid("type", "must be Hard or Soft")
	}
	return cm.sendStatus(ctx, stationID, "Reset", map[string]any{"type": resetType})
}

func (cm *CommandManager) UnlockConnector(ctx context.Context, stationID string, connectorID int) (string, error) {
	if connectorID <= 0 {
		return "", ocpperr.Invalid("connectorId", "must be > 0")
	}
	return cm.sendStatus(ctx, stationID, "UnlockConnector", map[string]any{"connectorId": connectorID})
}

func (cm *CommandManager) ChangeAvailability(ctx context.Context, stationID string, connectorID int, availability string) (string, error) {
	if connectorID < 0 {
		return "", ocpperr.Invalid("connectorId", "must be >= 0")
	}
	if availability != "Operative" && availability != "Inoperative" {
		return "", ocpperr.Invalid("type", "must be Operative or Inoperative")
	}
	return cm.sendStatus(ctx, stationID, "ChangeAvailability", map[string]any{
		"connectorId": connectorID,
		"type":        availability,
	})
}

func (cm *CommandManager) GetConfiguration(ctx context.Context, stationID string, keys []string) (*GetConfigurationConfirmation, error) {
	payload := map[string]any{}
	if len(keys) > 0 {
		payload["key"] = keys
	}
	raw, err := cm.SendCommand(ctx, stationID, "GetConfiguration", payload)
	if err != nil {
		return nil, err
	}
	return decodeConfirmation[GetConfigurationConfirmation]("GetConfiguration", raw)
}

func (cm *CommandManager) ChangeConfiguration(ctx context.Context, stationID, key, value string) (string, error) {
	if key == "" {
		return "", ocpperr.Invalid("key", "is required")
	}
	if len(key) > 50 {
		return "", ocpperr.Invalid("key", "longer than 50 characters")
	}
	if len(value) > 500 {
		return "", ocpperr.Invalid("value", "longer than 500 characters")
	}
	return cm.sendStatus(ctx, stationID, "ChangeConfiguration", map[string]any{
		"key":   key,
		"value": value,
	})
}

func (cm *CommandManager) ClearCache(ctx context.Context, stationID string) (string, error) {
	return cm.sendStatus(ctx, stationID, "ClearCache", nil)
}

func (cm *CommandManager) DataTransfer(ctx context.Context, stationID, vendorID, messageID string, data json.RawMessage) (*DataTransferConfirmation, error) {
	if vendorID == "" {
		return nil, ocpperr.Invalid("vendorId", "is required")
	}
	payload := map[string]any{"vendorId": vendorID}
	if messageID != "" {
		payload["messageId"] = messageID
	}
	if len(data) > 0 {
		payload["data"] = data
	}
	raw, err := cm.SendCommand(ctx, stationID, "DataTransfer", payload)
	if err != nil {
		return nil, err
	}
	return decodeConfirmation[DataTransferConfirmation]("DataTransfer", raw)
}

// GetDiagnostics asks the station to upload diagnostics to location and
// returns the announced file name, which may be empty.
func (cm *CommandManager) GetDiagnostics(ctx context.Context, stationID, location string, startTime, stopTime *time.Time, retries, retryInterval *int) (string, error) {
	if location == "" {
		return "", ocpperr.Invalid("location", "is required")
	}
	if startTime != nil && stopTime != nil && stopTime.Before(*startTime) {
		return "", ocpperr.Invalid("stopTime", "before startTime")
	}
	raw, err := cm.SendCommand(ctx, stationID, "GetDiagnostics", map[string]any{
		"location":      location,
		"startTime":     startTime,
		"stopTime":      stopTime,
		"retries":       retries,
		"retryInterval": retryInterval,
	})
	if err != nil {
		return "", err
	}
	conf, err := decodeConfirmation[GetDiagnosticsConfirmation]("GetDiagnostics", raw)
	if err != nil {
		return "", err
	}
	return conf.FileName, nil
}

// UpdateFirmware has an empty confirmation; success means the station
// acknowledged the request.
func (cm *CommandManager) UpdateFirmware(ctx context.Context, stationID, location string, retrieveDate time.Time, retries, retryInterval *int) error {
	if location == "" {
		return ocpperr.Invalid("location", "is required")
	}
	if retrieveDate.IsZero() {
		return ocpperr.Invalid("retrieveDate", "is required")
	}
	_, err := cm.SendCommand(ctx, stationID, "UpdateFirmware", map[string]any{
		"location":      location,
		"retrieveDate":  retrieveDate,
		"retries":       retries,
		"retryInterval": retryInterval,
	})
	return err
}

var triggerableMessages = []string{
	"BootNotification",
	"DiagnosticsStatusNotification",
	"FirmwareStatusNotification",
	"Heartbeat",
	"MeterValues",
	"StatusNotification",
}

func (cm *CommandManager) TriggerMessage(ctx context.Context, stationID, requested string, connectorID *int) (string, error) {
	if !slices.Contains(triggerableMessages, requested) {
		return "", ocpperr.Invalid("requestedMessage", "unsupported message %q", requested)
	}
	return cm.sendStatus(ctx, stationID, "TriggerMessage", map[string]any{
		"requestedMessage": requested,
		"connectorId":      connectorID,
	})
}

// ReserveNow books the connector locally and then asks the station. The
// local reservation is rolled back unless the station accepts.
func (cm *CommandManager) ReserveNow(ctx context.Context, stationID string, r reservation.Reservation) (string, error) {
	s, err := cm.reg.Get(stationID)
	if err != nil {
		return "", err
	}
	prev, hadPrev := s.reservations.Get(r.ID)
	stored, err := s.reservations.Reserve(r)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"connectorId":   stored.ConnectorID,
		"expiryDate":    stored.ExpiresAt,
		"idTag":         stored.IDTag,
		"reservationId": stored.ID,
	}
	if stored.ParentIDTag != "" {
		payload["parentIdTag"] = stored.ParentIDTag
	}
	status, err := cm.sendStatus(ctx, stationID, "ReserveNow", payload)
	if err != nil || status != StatusAccepted {
		if hadPrev {
			s.reservations.Put(prev)
		} else {
			s.reservations.Remove(r.ID)
		}
		return status, err
	}

	s.log.Info().Int("reservation", stored.ID).Int("connector", stored.ConnectorID).Msg("reservation accepted")
	s.persist(ctx)
	return status, nil
}

// CancelReservation asks the station to cancel and cancels locally once it
// accepts.
func (cm *CommandManager) CancelReservation(ctx context.Context, stationID string, reservationID int) (string, error) {
	status, err := cm.sendStatus(ctx, stationID, "CancelReservation", map[string]any{
		"reservationId": reservationID,
	})
	if err != nil || status != StatusAccepted {
		return status, err
	}
	s, err := cm.reg.Get(stationID)
	if err != nil {
		return status, err
	}
	if _, err := s.reservations.Cancel(reservationID); err != nil && !errors.Is(err, ocpperr.ErrNotFound) {
		return status, err
	}
	s.persist(ctx)
	return status, nil
}

// SetChargingProfile validates p, sends it and installs it once the station
// accepts.
func (cm *CommandManager) SetChargingProfile(ctx context.Context, stationID string, connectorID int, p smartcharging.Profile) (string, error) {
	if err := smartcharging.CheckInstall(connectorID, p); err != nil {
		return "", err
	}
	s, err := cm.reg.Get(stationID)
	if err != nil {
		return "", err
	}
	if p.Purpose == smartcharging.TxProfile {
		tx, ok := s.ActiveTransaction(connectorID)
		if !ok {
			return "", ocpperr.Invalid("chargingProfilePurpose", "%s requires an active transaction on connector %d", p.Purpose, connectorID)
		}
		if p.TransactionID != nil && *p.TransactionID != tx.ID {
			return "", ocpperr.Invalid("transactionId", "connector %d runs transaction %d", connectorID, tx.ID)
		}
	}

	status, err := cm.sendStatus(ctx, stationID, "SetChargingProfile", map[string]any{
		"connectorId":        connectorID,
		"csChargingProfiles": p,
	})
	if err != nil || status != StatusAccepted {
		return status, err
	}
	if err := s.profiles.Install(connectorID, p); err != nil {
		return status, err
	}
	s.log.Info().
		Int("profile", p.ID).
		Int("connector", connectorID).
		Str("purpose", string(p.Purpose)).
		Int("stack_level", p.StackLevel).
		Msg("charging profile installed")
	s.persist(ctx)
	return status, nil
}

// ClearChargingProfile clears matching profiles on the station and, once it
// accepts, locally.
func (cm *CommandManager) ClearChargingProfile(ctx context.Context, stationID string, f smartcharging.ClearFilter) (string, error) {
	status, err := cm.sendStatus(ctx, stationID, "ClearChargingProfile", map[string]any{
		"id":                     f.ID,
		"connectorId":            f.ConnectorID,
		"chargingProfilePurpose": f.Purpose,
		"stackLevel":             f.StackLevel,
	})
	if err != nil || status != StatusAccepted {
		return status, err
	}
	s, err := cm.reg.Get(stationID)
	if err != nil {
		return status, err
	}
	n := s.profiles.Clear(f)
	s.log.Info().Int("profiles", n).Msg("charging profiles cleared")
	s.persist(ctx)
	return status, nil
}

// GetCompositeSchedule asks the station for its own composite schedule. The
// locally composed equivalent is Session.CompositeSchedule.
func (cm *CommandManager) GetCompositeSchedule(ctx context.Context, stationID string, connectorID, duration int, unit smartcharging.RateUnit) (*GetCompositeScheduleConfirmation, error) {
	if connectorID < 0 {
		return nil, ocpperr.Invalid("connectorId", "must be >= 0")
	}
	if duration <= 0 {
		return nil, ocpperr.Invalid("duration", "must be > 0")
	}
	if unit != "" && unit != smartcharging.Watts && unit != smartcharging.Amps {
		return nil, ocpperr.Invalid("chargingRateUnit", "must be W or A")
	}
	payload := map[string]any{
		"connectorId": connectorID,
		"duration":    duration,
	}
	if unit != "" {
		payload["chargingRateUnit"] = unit
	}
	raw, err := cm.SendCommand(ctx, stationID, "GetCompositeSchedule", payload)
	if err != nil {
		return nil, err
	}
	return decodeConfirmation[GetCompositeScheduleConfirmation]("GetCompositeSchedule", raw)
}

// SendGeneric sends any action with a caller supplied payload.
func (cm *CommandManager) SendGeneric(ctx context.Context, stationID, action string, payload json.RawMessage) (json.RawMessage, error) {
	if action == "" {
		return nil, ocpperr.Invalid("action", "is required")
	}
	return cm.SendCommand(ctx, stationID, action, payload)
}

func checkIdTag(tag string) error {
	if tag == "" {
		return ocpperr.Invalid("idTag", "is required")
	}
	if len(tag) > 20 {
		return ocpperr.Invalid("idTag", "longer than 20 characters")
	}
	return nil
}
