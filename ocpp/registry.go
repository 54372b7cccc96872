package ocppserver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/balu-dk/go-ocpp-central/internal/notify"
	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
	"github.com/balu-dk/go-ocpp-central/ocpp/smartcharging"
)

// Registry owns every known station session. Sessions are created on first
// connection and survive disconnects; only Remove deletes one.
type Registry struct {
	sessions sync.Map // identity -> *Session
	// create serialises session creation so two first connections for the
	// same identity cannot build two sessions. Remove takes it too.
	create sync.Mutex

	cfg        *Config
	log        zerolog.Logger
	dispatcher *Dispatcher
	persister  Persister
	loader     Loader
	authorizer Authorizer
	metrics    Metrics
	publisher  Publisher
	recorder   FrameRecorder
	policy     smartcharging.Policy
	now        func() time.Time

	lastTxID  atomic.Int64
	connected atomic.Int64
}

type Option func(*Registry)

func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.log = l } }

func WithDispatcher(d *Dispatcher) Option { return func(r *Registry) { r.dispatcher = d } }

// WithPersister sets the state hook. When p also implements Loader it is
// used by Restore.
func WithPersister(p Persister) Option {
	return func(r *Registry) {
		r.persister = p
		if l, ok := p.(Loader); ok && r.loader == nil {
			r.loader = l
		}
	}
}

func WithLoader(l Loader) Option { return func(r *Registry) { r.loader = l } }

func WithAuthorizer(a Authorizer) Option { return func(r *Registry) { r.authorizer = a } }

func WithMetrics(m Metrics) Option { return func(r *Registry) { r.metrics = m } }

func WithPublisher(p Publisher) Option { return func(r *Registry) { r.publisher = p } }

func WithFrameRecorder(fr FrameRecorder) Option { return func(r *Registry) { r.recorder = fr } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// NewRegistry builds a registry. Without WithDispatcher the station handlers
// from NewStationDispatcher are used.
func NewRegistry(cfg *Config, opts ...Option) (*Registry, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:        cfg,
		log:        zerolog.Nop(),
		authorizer: AcceptAll{},
		metrics:    nopMetrics{},
		policy:     policy,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dispatcher == nil {
		r.dispatcher = NewStationDispatcher()
	}
	return r, nil
}

func (r *Registry) Config() *Config { return r.cfg }

// Connect attaches transport t to the session of identity, creating the
// session on first contact. A transport still attached from an earlier
// connection is closed before t becomes active; the session and its state
// are kept.
func (r *Registry) Connect(ctx context.Context, identity string, t Transport) (*Session, error) {
	if identity == "" {
		return nil, ocpperr.Invalid("identity", "is empty")
	}
	for {
		s := r.getOrCreate(identity)
		reconnected, err := s.attach(t)
		if errors.Is(err, errSessionRemoved) {
			// Removed while we held it; the previous transport is gone too.
			if reconnected {
				r.metrics.SetConnectedStations(int(r.connected.Add(-1)))
			}
			continue
		}
		if !reconnected {
			r.metrics.SetConnectedStations(int(r.connected.Add(1)))
			s.log.Info().Msg("station connected")
		}

		s.persist(ctx)
		s.publish(ctx, notify.StationConnected, nil, nil)
		return s, nil
	}
}

func (r *Registry) getOrCreate(identity string) *Session {
	if v, ok := r.sessions.Load(identity); ok {
		return v.(*Session)
	}
	r.create.Lock()
	defer r.create.Unlock()
	v, _ := r.sessions.LoadOrStore(identity, newSession(identity, r))
	return v.(*Session)
}

// TransportClosed is called by the transport owner when t stops. It does
// nothing if the session has already moved to a newer transport.
func (r *Registry) TransportClosed(ctx context.Context, s *Session, t Transport) {
	if !s.Detach(t) {
		return
	}
	r.metrics.SetConnectedStations(int(r.connected.Add(-1)))
	s.log.Info().Msg("station disconnected")
	s.persist(ctx)
	s.publish(ctx, notify.StationDisconnected, nil, nil)
}

// Disconnect closes the station's transport and marks it Disconnected. The
// session and its state remain.
func (r *Registry) Disconnect(ctx context.Context, identity string) error {
	s, err := r.Get(identity)
	if err != nil {
		return err
	}
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	if t == nil {
		return nil
	}
	r.TransportClosed(ctx, s, t)
	if err := t.Close(); err != nil {
		s.log.Debug().Err(err).Msg("closing connection")
	}
	return nil
}

// Get returns the session of identity or an error wrapping
// ocpperr.ErrNotFound.
func (r *Registry) Get(identity string) (*Session, error) {
	v, ok := r.sessions.Load(identity)
	if !ok {
		return nil, fmt.Errorf("station %q: %w", identity, ocpperr.ErrNotFound)
	}
	return v.(*Session), nil
}

// Remove disconnects and forgets a station, including its durable state. A
// Connect racing with it either lands before and is disconnected here, or
// lands after on a fresh session.
func (r *Registry) Remove(ctx context.Context, identity string) error {
	s, err := r.Get(identity)
	if err != nil {
		return err
	}

	r.create.Lock()
	t := s.retire()
	r.sessions.CompareAndDelete(identity, s)
	r.create.Unlock()

	if t != nil {
		r.TransportClosed(ctx, s, t)
		if err := t.Close(); err != nil {
			s.log.Debug().Err(err).Msg("closing connection")
		}
	}
	if r.persister != nil {
		if err := r.persister.DeleteStation(ctx, identity); err != nil {
			r.log.Warn().Err(err).Str("station", identity).Msg("failed to delete persisted station")
		}
	}
	r.log.Info().Str("station", identity).Msg("station removed")
	return nil
}

// List returns all sessions ordered by identity.
func (r *Registry) List() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.identity, b.identity) })
	return out
}

// ConnectedCount is the number of sessions with a live transport.
func (r *Registry) ConnectedCount() int {
	return int(r.connected.Load())
}

// SweepExpired fails timed-out calls on every session and returns how many
// were failed.
func (r *Registry) SweepExpired(now time.Time) int {
	total := 0
	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if ids := s.pending.SweepExpired(now); len(ids) > 0 {
			s.log.Warn().Strs("calls", ids).Msg("calls expired")
			total += len(ids)
		}
		return true
	})
	return total
}

// Restore recreates sessions from the loader. Restored sessions are
// Disconnected until their stations connect again.
func (r *Registry) Restore(ctx context.Context) error {
	if r.loader == nil {
		return nil
	}
	last, err := r.loader.LastTransactionID(ctx)
	if err != nil {
		return fmt.Errorf("load last transaction id: %w", err)
	}
	r.seedTransactionID(last)

	records, err := r.loader.LoadStations(ctx)
	if err != nil {
		return fmt.Errorf("load stations: %w", err)
	}
	for _, rec := range records {
		s := r.getOrCreate(rec.Identity)
		if err := s.restore(rec); err != nil {
			return err
		}
		for _, tx := range rec.Transactions {
			r.seedTransactionID(tx.ID)
		}
	}
	r.log.Info().Int("stations", len(records)).Int64("last_transaction_id", r.lastTxID.Load()).Msg("restored stations")
	return nil
}

func (r *Registry) seedTransactionID(id int) {
	for {
		cur := r.lastTxID.Load()
		if int64(id) <= cur || r.lastTxID.CompareAndSwap(cur, int64(id)) {
			return
		}
	}
}

// nextTransactionID hands out transaction ids unique across all stations.
func (r *Registry) nextTransactionID() int {
	return int(r.lastTxID.Add(1))
}

func (r *Registry) publish(ctx context.Context, ev notify.Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.log.Warn().Err(err).Str("station", ev.StationID).Str("event", ev.Type).Msg("failed to publish event")
	}
}
