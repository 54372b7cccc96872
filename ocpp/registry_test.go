package ocppserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balu-dk/go-ocpp-central/internal/notify"
	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
	"github.com/balu-dk/go-ocpp-central/ocpp/reservation"
	"github.com/balu-dk/go-ocpp-central/ocpp/smartcharging"
)

func TestConnectSupersedesPreviousTransport(t *testing.T) {
	pub := &recordingPublisher{}
	reg := newTestRegistry(t, WithPublisher(pub))

	s1, tr1 := connect(t, reg, "CP-1")
	s2, tr2 := connect(t, reg, "CP-1")

	assert.Same(t, s1, s2)
	assert.True(t, tr1.isClosed())
	assert.False(t, tr2.isClosed())
	assert.Equal(t, 1, reg.ConnectedCount())

	// The old reader noticing its closed socket must not disconnect the new one.
	reg.TransportClosed(context.Background(), s1, tr1)
	assert.Equal(t, Connected, s1.State())
	assert.Equal(t, 1, reg.ConnectedCount())

	reg.TransportClosed(context.Background(), s2, tr2)
	assert.Equal(t, Disconnected, s2.State())
	assert.Equal(t, 0, reg.ConnectedCount())

	assert.Equal(t, []string{notify.StationConnected, notify.StationConnected, notify.StationDisconnected}, pub.types())
}

// closeWatcher runs onClose before closing.
type closeWatcher struct {
	fakeTransport
	onClose func()
}

func (w *closeWatcher) Close() error {
	w.onClose()
	return w.fakeTransport.Close()
}

func TestConnectClosesPreviousBeforeActivating(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	var s *Session
	var active Transport
	first := &closeWatcher{}
	first.onClose = func() {
		s.mu.RLock()
		active = s.transport
		s.mu.RUnlock()
	}
	s, err := reg.Connect(ctx, "CP-1", first)
	require.NoError(t, err)

	second := &fakeTransport{}
	_, err = reg.Connect(ctx, "CP-1", second)
	require.NoError(t, err)

	assert.True(t, first.isClosed())
	assert.Nil(t, active, "new transport was active while the old one closed")
	s.mu.RLock()
	assert.Same(t, Transport(second), s.transport)
	s.mu.RUnlock()
	assert.Equal(t, 1, reg.ConnectedCount())
}

func TestConnectAfterRemoveUsesFreshSession(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	old, tr := connect(t, reg, "CP-1")
	require.NoError(t, reg.Remove(ctx, "CP-1"))
	assert.True(t, tr.isClosed())
	assert.Equal(t, 0, reg.ConnectedCount())

	_, err := old.attach(&fakeTransport{})
	assert.ErrorIs(t, err, errSessionRemoved)

	fresh, tr2 := connect(t, reg, "CP-1")
	assert.NotSame(t, old, fresh)
	got, err := reg.Get("CP-1")
	require.NoError(t, err)
	assert.Same(t, fresh, got)
	assert.False(t, tr2.isClosed())
	assert.Equal(t, 1, reg.ConnectedCount())
}

func TestConnectRacingRemoveLeavesNoOrphan(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	var mu sync.Mutex
	var transports []*fakeTransport
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tr := &fakeTransport{}
			if _, err := reg.Connect(ctx, "CP-1", tr); err == nil {
				mu.Lock()
				transports = append(transports, tr)
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			_ = reg.Remove(ctx, "CP-1")
		}()
	}
	wg.Wait()

	open := 0
	for _, tr := range transports {
		if tr.isClosed() {
			continue
		}
		open++
		s, err := reg.Get("CP-1")
		require.NoError(t, err, "live transport without a registered session")
		s.mu.RLock()
		assert.Same(t, Transport(tr), s.transport)
		s.mu.RUnlock()
	}
	assert.LessOrEqual(t, open, 1)
	assert.Equal(t, open, reg.ConnectedCount())
}

func TestConnectRejectsEmptyIdentity(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Connect(context.Background(), "", &fakeTransport{})
	assert.True(t, ocpperr.IsValidation(err))
}

func TestGetDisconnectRemove(t *testing.T) {
	p := newMemPersister()
	reg := newTestRegistry(t, WithPersister(p))

	_, err := reg.Get("nope")
	assert.ErrorIs(t, err, ocpperr.ErrNotFound)

	s, tr := connect(t, reg, "CP-2")
	connect(t, reg, "CP-1")

	got, err := reg.Get("CP-2")
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.NoError(t, reg.Disconnect(context.Background(), "CP-2"))
	assert.True(t, tr.isClosed())
	assert.Equal(t, Disconnected, s.State())

	// Still known after a disconnect.
	ids := []string{}
	for _, s := range reg.List() {
		ids = append(ids, s.Identity())
	}
	assert.Equal(t, []string{"CP-1", "CP-2"}, ids)
	assert.Contains(t, p.stations, "CP-2")

	require.NoError(t, reg.Remove(context.Background(), "CP-2"))
	_, err = reg.Get("CP-2")
	assert.ErrorIs(t, err, ocpperr.ErrNotFound)
	assert.NotContains(t, p.stations, "CP-2")

	assert.ErrorIs(t, reg.Remove(context.Background(), "CP-2"), ocpperr.ErrNotFound)
}

func TestPersistFailureKeepsState(t *testing.T) {
	p := newMemPersister()
	p.err = assert.AnError
	reg := newTestRegistry(t, WithPersister(p))
	s, tr := connect(t, reg, "CP-1")

	inbound(t, s, tr, "1", "StatusNotification", map[string]any{"connectorId": 2, "errorCode": "NoError", "status": "Faulted"})
	st, ok := s.ConnectorStatus(2)
	require.True(t, ok)
	assert.Equal(t, StatusFaulted, st.Status)
}

func TestRestore(t *testing.T) {
	clock := newFakeClock()
	p := newMemPersister()
	p.lastTxID = 40

	period := smartcharging.Period{StartPeriod: 0, Limit: 16}
	p.stations["CP-9"] = StationRecord{
		Identity:          "CP-9",
		Connected:         true,
		HeartbeatInterval: 300,
		Connectors:        map[int]ConnectorState{1: {Status: StatusCharging}},
		Transactions:      map[int]TransactionInfo{1: {ID: 57, Identity: "CP-9", ConnectorID: 1, IDTag: "TAG"}},
		Profiles: []smartcharging.Installed{{
			ConnectorID: 1,
			Seq:         1,
			Profile: smartcharging.Profile{
				ID: 3, Purpose: smartcharging.TxDefaultProfile, Kind: smartcharging.Absolute,
				Schedule: smartcharging.Schedule{ChargingRateUnit: smartcharging.Amps, Periods: []smartcharging.Period{period}},
			},
		}},
		Reservations: []reservation.Reservation{{ID: 8, ConnectorID: 2, IDTag: "R", ExpiresAt: clock.Now().Add(time.Hour), Status: reservation.Active}},
	}

	reg := newTestRegistry(t, WithPersister(p), WithClock(clock.Now))
	require.NoError(t, reg.Restore(context.Background()))

	s, err := reg.Get("CP-9")
	require.NoError(t, err)
	assert.Equal(t, Disconnected, s.State(), "restored sessions wait for their station")
	st, _ := s.ConnectorStatus(1)
	assert.Equal(t, StatusCharging, st.Status)
	tx, ok := s.ActiveTransaction(1)
	require.True(t, ok)
	assert.Equal(t, 57, tx.ID)
	assert.Equal(t, 1, s.Profiles().Len())
	_, ok = s.Reservations().Active(2)
	assert.True(t, ok)

	// Transaction ids continue above every id seen.
	assert.Equal(t, 58, reg.nextTransactionID())
}

func TestSweepExpired(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, WithClock(clock.Now))
	s, _ := connect(t, reg, "CP-1")

	_, err := s.pending.Register("x", "Reset", clock.Now().Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, 0, reg.SweepExpired(clock.Now()))
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, reg.SweepExpired(clock.Now()))
	assert.Equal(t, 0, s.pending.Len())
}

func TestNewRegistryRejectsBadPrecedence(t *testing.T) {
	cfg := NewConfig()
	cfg.ProfilePrecedence = []string{"Whatever"}
	_, err := NewRegistry(cfg)
	assert.Error(t, err)
}
