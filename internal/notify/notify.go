// Package notify forwards station events to message brokers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Event types.
const (
	StationConnected       = "station.connected"
	StationDisconnected    = "station.disconnected"
	StationBooted          = "station.boot"
	ConnectorStatusChanged = "connector.status"
	TransactionStarted     = "transaction.started"
	TransactionStopped     = "transaction.stopped"
	MeterValuesReceived    = "meter.values"
	DiagnosticsStatus      = "diagnostics.status"
	FirmwareStatus         = "firmware.status"
)

type Event struct {
	Type        string    `json:"type"`
	StationID   string    `json:"stationId"`
	ConnectorID *int      `json:"connectorId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data,omitempty"`
}

// Subject builds the broker subject of an event below prefix, e.g.
// "ocpp.events.CP-1.connector.status". sep separates the parts.
func (e Event) Subject(prefix, sep string) string {
	parts := make([]string, 0, 3)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, sanitize(e.StationID, sep))
	parts = append(parts, strings.ReplaceAll(e.Type, ".", sep))
	return strings.Join(parts, sep)
}

// sanitize keeps a station identity from adding levels or wildcards to a
// subject.
func sanitize(id, sep string) string {
	r := strings.NewReplacer(sep, "_", "*", "_", ">", "_", "+", "_", "#", "_", " ", "_")
	if id == "" {
		return "_"
	}
	return r.Replace(id)
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Multi publishes to every publisher and joins their errors.
type Multi []interface {
	Publish(ctx context.Context, ev Event) error
}

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
