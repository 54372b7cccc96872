package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
	"github.com/balu-dk/go-ocpp-central/ocpp/reservation"
	"github.com/balu-dk/go-ocpp-central/ocpp/smartcharging"
)

// registerCommandEndpoints mounts one POST route per OCPP command under
// /api/stations/{id}/commands. Request bodies use the OCPP field names.
func (s *APIServer) registerCommandEndpoints(r chi.Router) {
	r.Post("/remote-start", s.handleRemoteStart)
	r.Post("/remote-stop", s.handleRemoteStop)
	r.Post("/reset", s.handleReset)
	r.Post("/unlock-connector", s.handleUnlockConnector)
	r.Post("/change-availability", s.handleChangeAvailability)
	r.Post("/get-configuration", s.handleGetConfiguration)
	r.Post("/change-configuration", s.handleChangeConfiguration)
	r.Post("/clear-cache", s.handleClearCache)
	r.Post("/data-transfer", s.handleDataTransfer)
	r.Post("/get-diagnostics", s.handleGetDiagnostics)
	r.Post("/update-firmware", s.handleUpdateFirmware)
	r.Post("/trigger-message", s.handleTriggerMessage)
	r.Post("/reserve-now", s.handleReserveNow)
	r.Post("/cancel-reservation", s.handleCancelReservation)
	r.Post("/set-charging-profile", s.handleSetChargingProfile)
	r.Post("/clear-charging-profile", s.handleClearChargingProfile)
	r.Post("/get-composite-schedule", s.handleGetCompositeSchedule)
	r.Post("/generic", s.handleGenericCommand)
}

// respondStatus writes the station's status reply or the mapped error.
func (s *APIServer) respondStatus(w http.ResponseWriter, status string, err error) {
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *APIServer) respondResult(w http.ResponseWriter, result any, err error) {
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleRemoteStart handles requests to start a transaction remotely
func (s *APIServer) handleRemoteStart(w http.ResponseWriter, r *http.Request) {
	var request struct {
		IdTag           string                 `json:"idTag"`
		ConnectorID     *int                   `json:"connectorId,omitempty"`
		ChargingProfile *smartcharging.Profile `json:"chargingProfile,omitempty"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	status, err := s.commands.RemoteStartTransaction(r.Context(), chi.URLParam(r, "id"), request.IdTag, request.ConnectorID, request.ChargingProfile)
	s.respondStatus(w, status, err)
}

func (s *APIServer) handleRemoteStop(w http.ResponseWriter, r *http.Request) {
	var request struct {
		TransactionID *int `json:"transactionId"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	if request.TransactionID == nil {
		s.respondErr(w, ocpperr.Invalid("transactionId", "is required"))
		return
	}
	status, err := s.commands.RemoteStopTransaction(r.Context(), chi.URLParam(r, "id"), *request.TransactionID)
	s.respondStatus(w, status, err)
}

func (s *APIServer) handleReset(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Type string `json:"type"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	status, err := s.commands.Reset(r.Context(), chi.URLParam(r, "id"), request.Type)
	s.respondStatus(w, status, err)
}

func (s *APIServer) handleUnlockConnector(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ConnectorID int `json:"connectorId"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	status, err := s.commands.UnlockConnector(r.Context(), chi.URLParam(r, "id"), request.ConnectorID)
	s.respondStatus(w, status, err)
}

func (s *APIServer) handleChangeAvailability(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ConnectorID int    `json:"connectorId"`
		Type        string `json:"type"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	status, err := s.commands.ChangeAvailability(r.Context(), chi.URLParam(r, "id"), request.ConnectorID, request.Type)
	s.respondStatus(w, status, err)
}

func (s *APIServer) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Key []string `json:"key,omitempty"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	conf, err := s.commands.GetConfiguration(r.Context(), chi.URLParam(r, "id"), request.Key)
	s.respondResult(w, conf, err)
}

func (s *APIServer) handleChangeConfiguration(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	status, err := s.commands.ChangeConfiguration(r.Context(), chi.URLParam(r, "id"), request.Key, request.Value)
	s.respondStatus(w, status, err)
}

func (s *APIServer) handleClearCache(w http.ResponseWriter, r *http.Request) {
	status, err := s.commands.ClearCache(r.Context(), chi.URLParam(r, "id"))
	s.respondStatus(w, status, err)
}

func (s *APIServer) handleDataTransfer(w http.ResponseWriter, r *http.Request) {
	var request struct {
		VendorID  string          `json:"vendorId"`
		MessageID string          `json:"messageId,omitempty"`
		Data      json.RawMessage `json:"data,omitempty"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	conf, err := s.commands.DataTransfer(r.Context(), chi.URLParam(r, "id"), request.VendorID, request.MessageID, request.Data)
	s.respondResult(w, conf, err)
}

func (s *APIServer) handleGetDiagnostics(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Location      string     `json:"location"`
		StartTime     *time.Time `json:"startTime,omitempty"`
		StopTime      *time.Time `json:"stopTime,omitempty"`
		Retries       *int       `json:"retries,omitempty"`
		RetryInterval *int       `json:"retryInterval,omitempty"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	fileName, err := s.commands.GetDiagnostics(r.Context(), chi.URLParam(r, "id"),
		request.Location, request.StartTime, request.StopTime, request.Retries, request.RetryInterval)
	s.respondResult(w, map[string]string{"fileName": fileName}, err)
}

func (s *APIServer) handleUpdateFirmware(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Location      string    `json:"location"`
		RetrieveDate  time.Time `json:"retrieveDate"`
		Retries       *int      `json:"retries,omitempty"`
		RetryInterval *int      `json:"retryInterval,omitempty"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	err := s.commands.UpdateFirmware(r.Context(), chi.URLParam(r, "id"),
		request.Location, request.RetrieveDate, request.Retries, request.RetryInterval)
	s.respondResult(w, map[string]string{}, err)
}

func (s *APIServer) handleTriggerMessage(w http.ResponseWriter, r *http.Request) {
	var request struct {
		RequestedMessage string `json:"requestedMessage"`
		ConnectorID      *int   `json:"connectorId,omitempty"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	status, err := s.commands.TriggerMessage(r.Context(), chi.URLParam(r, "id"), request.RequestedMessage, request.ConnectorID)
	s.respondStatus(w, status, err)
}

func (s *APIServer) handleReserveNow(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ConnectorID   int       `json:"connectorId"`
		ExpiryDate    time.Time `json:"expiryDate"`
		IdTag         string    `json:"idTag"`
		ParentIdTag   string    `json:"parentIdTag,omitempty"`
		ReservationID *int      `json:"reservationId"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	if request.ReservationID == nil {
		s.respondErr(w, ocpperr.Invalid("reservationId", "is required"))
		return
	}
	status, err := s.commands.ReserveNow(r.Context(), chi.URLParam(r, "id"), reservation.Reservation{
		ID:          *request.ReservationID,
		ConnectorID: request.ConnectorID,
		IDTag:       request.IdTag,
		ParentIDTag: request.ParentIdTag,
		ExpiresAt:   request.ExpiryDate,
	})
	s.respondStatus(w, status, err)
}

func (s *APIServer) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ReservationID *int `json:"reservationId"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	if request.ReservationID == nil {
		s.respondErr(w, ocpperr.Invalid("reservationId", "is required"))
		return
	}
	status, err := s.commands.CancelReservation(r.Context(), chi.URLParam(r, "id"), *request.ReservationID)
	s.respondStatus(w, status, err)
}

func (s *APIServer) handleSetChargingProfile(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ConnectorID        int                    `json:"connectorId"`
		CsChargingProfiles *smartcharging.Profile `json:"csChargingProfiles"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	if request.CsChargingProfiles == nil {
		s.respondErr(w, ocpperr.Invalid("csChargingProfiles", "is required"))
		return
	}
	status, err := s.commands.SetChargingProfile(r.Context(), chi.URLParam(r, "id"), request.ConnectorID, *request.CsChargingProfiles)
	s.respondStatus(w, status, err)
}

func (s *APIServer) handleClearChargingProfile(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ID                     *int                   `json:"id,omitempty"`
		ConnectorID            *int                   `json:"connectorId,omitempty"`
		ChargingProfilePurpose *smartcharging.Purpose `json:"chargingProfilePurpose,omitempty"`
		StackLevel             *int                   `json:"stackLevel,omitempty"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	status, err := s.commands.ClearChargingProfile(r.Context(), chi.URLParam(r, "id"), smartcharging.ClearFilter{
		ID:          request.ID,
		ConnectorID: request.ConnectorID,
		Purpose:     request.ChargingProfilePurpose,
		StackLevel:  request.StackLevel,
	})
	s.respondStatus(w, status, err)
}

// handleGetCompositeSchedule asks the station for its own composite; the
// locally composed one is served by GET .../composite-schedule.
func (s *APIServer) handleGetCompositeSchedule(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ConnectorID      int                    `json:"connectorId"`
		Duration         int                    `json:"duration"`
		ChargingRateUnit smartcharging.RateUnit `json:"chargingRateUnit,omitempty"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	conf, err := s.commands.GetCompositeSchedule(r.Context(), chi.URLParam(r, "id"), request.ConnectorID, request.Duration, request.ChargingRateUnit)
	s.respondResult(w, conf, err)
}

// handleGenericCommand sends any action with the given payload and returns
// the station's confirmation unchanged.
func (s *APIServer) handleGenericCommand(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := decodeBody(r, &request); err != nil {
		s.respondErr(w, err)
		return
	}
	raw, err := s.commands.SendGeneric(r.Context(), chi.URLParam(r, "id"), request.Action, request.Payload)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}
