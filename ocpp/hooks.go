package ocppserver

import (
	"context"
	"time"

	"github.com/balu-dk/go-ocpp-central/internal/notify"
	"github.com/balu-dk/go-ocpp-central/ocpp/eventlog"
	"github.com/balu-dk/go-ocpp-central/ocpp/reservation"
	"github.com/balu-dk/go-ocpp-central/ocpp/smartcharging"
)

// Transport is one live connection to a station. Send is never called
// concurrently for the same transport.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// StationRecord is the durable part of a session.
type StationRecord struct {
	Identity          string
	Connected         bool
	Boot              *BootInfo
	HeartbeatInterval int
	LastHeartbeat     time.Time
	Connectors        map[int]ConnectorState
	Transactions      map[int]TransactionInfo
	Profiles          []smartcharging.Installed
	Reservations      []reservation.Reservation
}

// Persister receives session state after every mutation. Failures are logged
// and never undo the in-memory change.
type Persister interface {
	SaveStation(ctx context.Context, rec StationRecord) error
	DeleteStation(ctx context.Context, identity string) error
	SaveTransaction(ctx context.Context, tx TransactionInfo, stop *TransactionStop) error
	SaveMeterValues(ctx context.Context, identity string, connectorID int, transactionID *int, values []MeterValue) error
}

// Loader restores sessions at startup.
type Loader interface {
	LoadStations(ctx context.Context) ([]StationRecord, error)
	LastTransactionID(ctx context.Context) (int, error)
}

// Authorizer decides on id tags presented by stations.
type Authorizer interface {
	Authorize(ctx context.Context, idTag string) (IdTagInfo, error)
}

// AcceptAll authorizes every id tag.
type AcceptAll struct{}

func (AcceptAll) Authorize(context.Context, string) (IdTagInfo, error) {
	return IdTagInfo{Status: AuthorizationAccepted}, nil
}

// Metrics records engine activity.
type Metrics interface {
	SetConnectedStations(n int)
	ObserveInboundCall(action, outcome string)
	ObserveOutboundCall(action, outcome string, elapsed time.Duration)
	IncMalformedFrames()
	IncLateResponses()
}

type nopMetrics struct{}

func (nopMetrics) SetConnectedStations(int) {}
func (nopMetrics) ObserveInboundCall(string, string) {}
func (nopMetrics) ObserveOutboundCall(string, string, time.Duration) {}
func (nopMetrics) IncMalformedFrames() {}
func (nopMetrics) IncLateResponses() {}

// Publisher fans station events out to other systems.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// FrameRecorder receives every frame after it was added to a station's event
// log. raw is the exact wire form.
type FrameRecorder interface {
	RecordFrame(identity string, e eventlog.Entry, raw []byte)
}
