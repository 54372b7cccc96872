package ocppserver

import (
	"context"
	"strconv"
	"time"

	"github.com/balu-dk/go-ocpp-central/internal/notify"
)

// Default sampled value attributes, applied when a station omits them.
const (
	defaultMeterUnit      = "Wh"
	defaultMeterMeasurand = "Energy.Active.Import.Register"
)

// NewStationDispatcher returns the dispatch table for station-originated
// OCPP 1.6 actions.
func NewStationDispatcher() *Dispatcher {
	d := NewDispatcher()
	Handle(d, "BootNotification", handleBootNotification)
	Handle(d, "Heartbeat", handleHeartbeat)
	Handle(d, "Authorize", handleAuthorize)
	Handle(d, "StatusNotification", handleStatusNotification)
	Handle(d, "StartTransaction", handleStartTransaction)
	Handle(d, "StopTransaction", handleStopTransaction)
	Handle(d, "MeterValues", handleMeterValues)
	Handle(d, "DataTransfer", handleDataTransfer)
	Handle(d, "DiagnosticsStatusNotification", handleDiagnosticsStatusNotification)
	Handle(d, "FirmwareStatusNotification", handleFirmwareStatusNotification)
	return d
}

func handleBootNotification(ctx context.Context, s *Session, req *BootNotificationRequest) (*BootNotificationConfirmation, error) {
	now := s.reg.now()
	info := BootInfo{
		Vendor:          req.ChargePointVendor,
		Model:           req.ChargePointModel,
		SerialNumber:    firstNonEmpty(req.ChargePointSerialNumber, req.ChargeBoxSerialNumber),
		FirmwareVersion: req.FirmwareVersion,
		BootedAt:        now,
	}
	interval := s.onBoot(info)

	s.log.Info().
		Str("vendor", info.Vendor).
		Str("model", info.Model).
		Str("firmware", info.FirmwareVersion).
		Msg("boot notification")

	s.persist(ctx)
	s.publish(ctx, notify.StationBooted, nil, info)

	return &BootNotificationConfirmation{
		CurrentTime: now.UTC(),
		Interval:    interval,
		Status:      RegistrationAccepted,
	}, nil
}

func handleHeartbeat(ctx context.Context, s *Session, _ *HeartbeatRequest) (*HeartbeatConfirmation, error) {
	now := s.reg.now()
	s.onHeartbeat(now)
	s.persist(ctx)
	return &HeartbeatConfirmation{CurrentTime: now.UTC()}, nil
}

func handleAuthorize(ctx context.Context, s *Session, req *AuthorizeRequest) (*AuthorizeConfirmation, error) {
	info := s.authorize(ctx, req.IdTag)
	s.log.Info().Str("id_tag", req.IdTag).Str("status", string(info.Status)).Msg("authorize")
	return &AuthorizeConfirmation{IdTagInfo: info}, nil
}

// authorize asks the authorizer about idTag. Lookup failures answer Invalid so
// the station never starts charging on an unverified tag.
func (s *Session) authorize(ctx context.Context, idTag string) IdTagInfo {
	info, err := s.reg.authorizer.Authorize(ctx, idTag)
	if err != nil {
		s.log.Warn().Err(err).Str("id_tag", idTag).Msg("authorization lookup failed")
		return IdTagInfo{Status: AuthorizationInvalid}
	}
	if info.Status == AuthorizationAccepted && info.ExpiryDate != nil && info.ExpiryDate.Before(s.reg.now()) {
		info.Status = AuthorizationExpired
	}
	return info
}

func handleStatusNotification(ctx context.Context, s *Session, req *StatusNotificationRequest) (*StatusNotificationConfirmation, error) {
	at := s.reg.now()
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	s.OnStatusNotification(req.ConnectorId, req.Status, req.ErrorCode, req.Info, at)

	ev := s.log.Info()
	if req.ErrorCode != "" && req.ErrorCode != "NoError" {
		ev = s.log.Warn()
	}
	ev.Int("connector", req.ConnectorId).
		Str("status", string(req.Status)).
		Str("error_code", req.ErrorCode).
		Msg("status notification")

	s.persist(ctx)
	connectorID := req.ConnectorId
	s.publish(ctx, notify.ConnectorStatusChanged, &connectorID, ConnectorState{
		Status:    req.Status,
		ErrorCode: req.ErrorCode,
		Info:      req.Info,
		UpdatedAt: at,
	})
	return &StatusNotificationConfirmation{}, nil
}

func handleStartTransaction(ctx context.Context, s *Session, req *StartTransactionRequest) (*StartTransactionConfirmation, error) {
	info := s.authorize(ctx, req.IdTag)
	txID := s.reg.nextTransactionID()

	startedAt := req.Timestamp
	if startedAt.IsZero() {
		startedAt = s.reg.now()
	}
	tx := TransactionInfo{
		ID:          txID,
		Identity:    s.identity,
		ConnectorID: req.ConnectorId,
		IDTag:       req.IdTag,
		MeterStart:  req.MeterStart,
		StartedAt:   startedAt,
	}

	if info.Status == AuthorizationAccepted {
		if r, ok := s.reservations.Use(req.ConnectorId, req.IdTag, req.ReservationId); ok {
			tx.ReservationID = &r.ID
			s.log.Info().Int("reservation", r.ID).Int("transaction", txID).Msg("reservation used")
		}
		s.startTransaction(tx)
		s.saveTransaction(ctx, tx, nil)
		s.publish(ctx, notify.TransactionStarted, &tx.ConnectorID, tx)
	}

	s.log.Info().
		Int("connector", req.ConnectorId).
		Int("transaction", txID).
		Str("id_tag", req.IdTag).
		Int("meter_start", req.MeterStart).
		Str("status", string(info.Status)).
		Msg("transaction started")

	s.persist(ctx)
	return &StartTransactionConfirmation{IdTagInfo: info, TransactionId: txID}, nil
}

func handleStopTransaction(ctx context.Context, s *Session, req *StopTransactionRequest) (*StopTransactionConfirmation, error) {
	stop := TransactionStop{
		MeterStop: req.MeterStop,
		StoppedAt: req.Timestamp,
		Reason:    req.Reason,
		IDTag:     req.IdTag,
	}
	if stop.StoppedAt.IsZero() {
		stop.StoppedAt = s.reg.now()
	}

	tx, ok := s.stopTransaction(req.TransactionId)
	if !ok {
		// Stations replay stops after long outages; accept them anyway.
		s.log.Warn().Int("transaction", req.TransactionId).Msg("stop for unknown transaction")
		tx = TransactionInfo{ID: req.TransactionId, Identity: s.identity, IDTag: req.IdTag}
	} else {
		if n := s.profiles.ClearTransaction(tx.ConnectorID); n > 0 {
			s.log.Debug().Int("connector", tx.ConnectorID).Int("profiles", n).Msg("cleared transaction profiles")
		}
		s.log.Info().
			Int("transaction", tx.ID).
			Int("connector", tx.ConnectorID).
			Int("energy_wh", req.MeterStop-tx.MeterStart).
			Str("reason", req.Reason).
			Msg("transaction stopped")
	}

	s.saveTransaction(ctx, tx, &stop)
	if len(req.TransactionData) > 0 {
		s.saveMeterValues(ctx, tx.ConnectorID, &tx.ID, req.TransactionData)
	}
	s.persist(ctx)
	s.publish(ctx, notify.TransactionStopped, &tx.ConnectorID, map[string]any{
		"transaction": tx,
		"stop":        stop,
	})

	conf := &StopTransactionConfirmation{}
	if req.IdTag != "" {
		info := s.authorize(ctx, req.IdTag)
		conf.IdTagInfo = &info
	}
	return conf, nil
}

func handleMeterValues(ctx context.Context, s *Session, req *MeterValuesRequest) (*MeterValuesConfirmation, error) {
	if r, ok := latestEnergyReading(req.MeterValue); ok {
		s.setMeter(req.ConnectorId, r)
	}
	s.saveMeterValues(ctx, req.ConnectorId, req.TransactionId, req.MeterValue)

	s.log.Debug().Int("connector", req.ConnectorId).Int("samples", len(req.MeterValue)).Msg("meter values")
	connectorID := req.ConnectorId
	s.publish(ctx, notify.MeterValuesReceived, &connectorID, req)
	return &MeterValuesConfirmation{}, nil
}

// latestEnergyReading picks the newest energy register sample. Samples without
// a unit or measurand take the OCPP defaults.
func latestEnergyReading(values []MeterValue) (MeterReading, bool) {
	var (
		best  MeterReading
		found bool
	)
	for _, mv := range values {
		for _, sv := range mv.SampledValue {
			r, ok := parseSample(mv.Timestamp, sv)
			if !ok || r.Measurand != defaultMeterMeasurand {
				continue
			}
			if !found || !r.Timestamp.Before(best.Timestamp) {
				best, found = r, true
			}
		}
	}
	return best, found
}

func parseSample(at time.Time, sv SampledValue) (MeterReading, bool) {
	if sv.Format == "SignedData" {
		return MeterReading{}, false
	}
	v, err := strconv.ParseFloat(sv.Value, 64)
	if err != nil {
		return MeterReading{}, false
	}
	return MeterReading{
		Value:     v,
		Unit:      firstNonEmpty(sv.Unit, defaultMeterUnit),
		Measurand: firstNonEmpty(sv.Measurand, defaultMeterMeasurand),
		Timestamp: at,
	}, true
}

func handleDataTransfer(_ context.Context, s *Session, req *DataTransferRequest) (*DataTransferConfirmation, error) {
	s.log.Info().Str("vendor", req.VendorId).Str("message_id", req.MessageId).Msg("data transfer")
	return &DataTransferConfirmation{Status: "UnknownVendorId"}, nil
}

func handleDiagnosticsStatusNotification(ctx context.Context, s *Session, req *DiagnosticsStatusNotificationRequest) (*DiagnosticsStatusNotificationConfirmation, error) {
	s.setDiagnosticsStatus(req.Status)
	s.log.Info().Str("status", req.Status).Msg("diagnostics status")
	s.publish(ctx, notify.DiagnosticsStatus, nil, req)
	return &DiagnosticsStatusNotificationConfirmation{}, nil
}

func handleFirmwareStatusNotification(ctx context.Context, s *Session, req *FirmwareStatusNotificationRequest) (*FirmwareStatusNotificationConfirmation, error) {
	s.setFirmwareStatus(req.Status)
	s.log.Info().Str("status", req.Status).Msg("firmware status")
	s.publish(ctx, notify.FirmwareStatus, nil, req)
	return &FirmwareStatusNotificationConfirmation{}, nil
}

func (s *Session) saveTransaction(ctx context.Context, tx TransactionInfo, stop *TransactionStop) {
	if s.reg.persister == nil {
		return
	}
	if err := s.reg.persister.SaveTransaction(ctx, tx, stop); err != nil {
		s.log.Warn().Err(err).Int("transaction", tx.ID).Msg("failed to persist transaction")
	}
}

func (s *Session) saveMeterValues(ctx context.Context, connectorID int, txID *int, values []MeterValue) {
	if s.reg.persister == nil {
		return
	}
	if err := s.reg.persister.SaveMeterValues(ctx, s.identity, connectorID, txID, values); err != nil {
		s.log.Warn().Err(err).Int("connector", connectorID).Msg("failed to persist meter values")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
