package ocppserver

import (
	"encoding/json"
	"time"

	"github.com/balu-dk/go-ocpp-central/ocpp/frame"
)

// ChargePointStatus is the operational state of a connector.
type ChargePointStatus string

const (
	StatusAvailable     ChargePointStatus = "Available"
	StatusPreparing     ChargePointStatus = "Preparing"
	StatusCharging      ChargePointStatus = "Charging"
	StatusSuspendedEVSE ChargePointStatus = "SuspendedEVSE"
	StatusSuspendedEV   ChargePointStatus = "SuspendedEV"
	StatusFinishing     ChargePointStatus = "Finishing"
	StatusReserved      ChargePointStatus = "Reserved"
	StatusUnavailable   ChargePointStatus = "Unavailable"
	StatusFaulted       ChargePointStatus = "Faulted"
)

func (s ChargePointStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusPreparing, StatusCharging, StatusSuspendedEVSE, StatusSuspendedEV,
		StatusFinishing, StatusReserved, StatusUnavailable, StatusFaulted:
		return true
	}
	return false
}

type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

type AuthorizationStatus string

const (
	AuthorizationAccepted     AuthorizationStatus = "Accepted"
	AuthorizationBlocked      AuthorizationStatus = "Blocked"
	AuthorizationExpired      AuthorizationStatus = "Expired"
	AuthorizationInvalid      AuthorizationStatus = "Invalid"
	AuthorizationConcurrentTx AuthorizationStatus = "ConcurrentTx"
)

type IdTagInfo struct {
	Status      AuthorizationStatus `json:"status"`
	ExpiryDate  *time.Time          `json:"expiryDate,omitempty"`
	ParentIdTag string              `json:"parentIdTag,omitempty"`
}

// Station-originated requests and their confirmations.

type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	Iccid                   string `json:"iccid,omitempty"`
	Imsi                    string `json:"imsi,omitempty"`
	MeterType               string `json:"meterType,omitempty"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty"`
}

func (r *BootNotificationRequest) Validate() error {
	if r.ChargePointVendor == "" || r.ChargePointModel == "" {
		return frame.NewCallError(frame.OccurrenceConstraintViolation, "chargePointVendor and chargePointModel are required")
	}
	return nil
}

type BootNotificationConfirmation struct {
	CurrentTime time.Time          `json:"currentTime"`
	Interval    int                `json:"interval"`
	Status      RegistrationStatus `json:"status"`
}

type HeartbeatRequest struct{}

type HeartbeatConfirmation struct {
	CurrentTime time.Time `json:"currentTime"`
}

type AuthorizeRequest struct {
	IdTag string `json:"idTag"`
}

func (r *AuthorizeRequest) Validate() error {
	return validateIdTag(r.IdTag)
}

type AuthorizeConfirmation struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type StatusNotificationRequest struct {
	ConnectorId     int               `json:"connectorId"`
	ErrorCode       string            `json:"errorCode"`
	Info            string            `json:"info,omitempty"`
	Status          ChargePointStatus `json:"status"`
	Timestamp       *time.Time        `json:"timestamp,omitempty"`
	VendorId        string            `json:"vendorId,omitempty"`
	VendorErrorCode string            `json:"vendorErrorCode,omitempty"`
}

func (r *StatusNotificationRequest) Validate() error {
	if r.ConnectorId < 0 {
		return frame.NewCallError(frame.PropertyConstraintViolation, "connectorId must be >= 0")
	}
	if !r.Status.Valid() {
		return frame.NewCallError(frame.PropertyConstraintViolation, "unknown status %q", r.Status)
	}
	return nil
}

type StatusNotificationConfirmation struct{}

type StartTransactionRequest struct {
	ConnectorId   int       `json:"connectorId"`
	IdTag         string    `json:"idTag"`
	MeterStart    int       `json:"meterStart"`
	ReservationId *int      `json:"reservationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (r *StartTransactionRequest) Validate() error {
	if r.ConnectorId <= 0 {
		return frame.NewCallError(frame.PropertyConstraintViolation, "connectorId must be > 0")
	}
	return validateIdTag(r.IdTag)
}

type StartTransactionConfirmation struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
	TransactionId int       `json:"transactionId"`
}

type StopTransactionRequest struct {
	IdTag           string       `json:"idTag,omitempty"`
	MeterStop       int          `json:"meterStop"`
	Timestamp       time.Time    `json:"timestamp"`
	TransactionId   int          `json:"transactionId"`
	Reason          string       `json:"reason,omitempty"`
	TransactionData []MeterValue `json:"transactionData,omitempty"`
}

type StopTransactionConfirmation struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

type SampledValue struct {
	Value     string `json:"value"`
	Context   string `json:"context,omitempty"`
	Format    string `json:"format,omitempty"`
	Measurand string `json:"measurand,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Location  string `json:"location,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

type MeterValue struct {
	Timestamp    time.Time      `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type MeterValuesRequest struct {
	ConnectorId   int          `json:"connectorId"`
	TransactionId *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

func (r *MeterValuesRequest) Validate() error {
	if r.ConnectorId < 0 {
		return frame.NewCallError(frame.PropertyConstraintViolation, "connectorId must be >= 0")
	}
	if len(r.MeterValue) == 0 {
		return frame.NewCallError(frame.OccurrenceConstraintViolation, "meterValue is required")
	}
	return nil
}

type MeterValuesConfirmation struct{}

type DataTransferRequest struct {
	VendorId  string          `json:"vendorId"`
	MessageId string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (r *DataTransferRequest) Validate() error {
	if r.VendorId == "" {
		return frame.NewCallError(frame.OccurrenceConstraintViolation, "vendorId is required")
	}
	return nil
}

type DataTransferConfirmation struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type DiagnosticsStatusNotificationRequest struct {
	Status string `json:"status"`
}

type DiagnosticsStatusNotificationConfirmation struct{}

type FirmwareStatusNotificationRequest struct {
	Status string `json:"status"`
}

type FirmwareStatusNotificationConfirmation struct{}

// Server-originated confirmations decoded by CommandManager.

type statusConfirmation struct {
	Status string `json:"status"`
}

type KeyValue struct {
	Key      string  `json:"key"`
	Readonly bool    `json:"readonly"`
	Value    *string `json:"value,omitempty"`
}

type GetConfigurationConfirmation struct {
	ConfigurationKey []KeyValue `json:"configurationKey,omitempty"`
	UnknownKey       []string   `json:"unknownKey,omitempty"`
}

type GetDiagnosticsConfirmation struct {
	FileName string `json:"fileName,omitempty"`
}

type GetCompositeScheduleConfirmation struct {
	Status           string          `json:"status"`
	ConnectorId      *int            `json:"connectorId,omitempty"`
	ScheduleStart    *time.Time      `json:"scheduleStart,omitempty"`
	ChargingSchedule json.RawMessage `json:"chargingSchedule,omitempty"`
}

func validateIdTag(tag string) error {
	if tag == "" {
		return frame.NewCallError(frame.OccurrenceConstraintViolation, "idTag is required")
	}
	if len(tag) > 20 {
		return frame.NewCallError(frame.PropertyConstraintViolation, "idTag exceeds 20 characters")
	}
	return nil
}
