package database

import (
	"time"
)

// ChargePoint represents a charging station in the database
type ChargePoint struct {
	ID                   string    `gorm:"primaryKey" json:"id"`
	Model                string    `json:"model"`
	Vendor               string    `json:"vendor"`
	SerialNumber         string    `json:"serialNumber,omitempty"`
	FirmwareVersion      string    `json:"firmwareVersion,omitempty"`
	LastHeartbeat        time.Time `json:"lastHeartbeat"`
	LastBootNotification time.Time `json:"lastBootNotification"`
	HeartbeatInterval    int       `json:"heartbeatInterval"`
	IsConnected          bool      `json:"isConnected"`
	// Installed charging profiles and reservations, JSON encoded
	Profiles     string    `gorm:"type:text" json:"-"`
	Reservations string    `gorm:"type:text" json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Connector is the last reported operational state of one connector
type Connector struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ChargePointID string    `gorm:"uniqueIndex:idx_connector" json:"chargePointId"`
	ConnectorID   int       `gorm:"uniqueIndex:idx_connector" json:"connectorId"`
	Status        string    `json:"status"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	Info          string    `json:"info,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Transaction represents a charging transaction
type Transaction struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	TransactionID   int        `gorm:"uniqueIndex" json:"transactionId"`
	ChargePointID   string     `gorm:"index" json:"chargePointId"`
	ConnectorID     int        `json:"connectorId"`
	IdTag           string     `json:"idTag"`
	ReservationID   *int       `json:"reservationId,omitempty"`
	StartTimestamp  time.Time  `json:"startTimestamp"`
	StopTimestamp   *time.Time `json:"stopTimestamp,omitempty"`
	MeterStart      int        `json:"meterStart"`                // Wh
	MeterStop       int        `json:"meterStop,omitempty"`       // Wh
	EnergyDelivered float64    `json:"energyDelivered,omitempty"` // kWh
	StopReason      string     `json:"stopReason,omitempty"`
	IsComplete      bool       `json:"isComplete"`
}

// MeterValue is one sampled value reported by a station
type MeterValue struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TransactionID *int      `gorm:"index" json:"transactionId,omitempty"`
	ChargePointID string    `json:"chargePointId"`
	ConnectorID   int       `json:"connectorId"`
	Timestamp     time.Time `json:"timestamp"`
	Value         float64   `json:"value"`
	Unit          string    `json:"unit"`
	Measurand     string    `json:"measurand"`
	Phase         string    `json:"phase,omitempty"`
	Context       string    `json:"context,omitempty"`
}

// Authorization represents an authorized RFID card or token
type Authorization struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	IdTag       string     `gorm:"unique" json:"idTag"`
	Status      string     `json:"status"` // Accepted, Blocked, Expired, Invalid
	ParentIdTag string     `json:"parentIdTag,omitempty"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// RawMessageLog represents a raw OCPP message log entry
type RawMessageLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ChargePointID string    `gorm:"index" json:"chargePointId"`
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Direction     string    `json:"direction"`                // "SEND" or "RECV"
	MessageType   string    `json:"messageType,omitempty"`    // "Request", "Response", "Error"
	Action        string    `json:"action,omitempty"`         // for responses, the action of the request
	MessageID     string    `json:"messageId,omitempty"`      // Unique ID of the message
	Message       string    `gorm:"type:text" json:"message"` // Full message content as JSON
}
