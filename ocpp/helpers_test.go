package ocppserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/balu-dk/go-ocpp-central/internal/notify"
	"github.com/balu-dk/go-ocpp-central/ocpp/frame"
)

// fakeTransport records sent frames. respond, when set, is called for every
// sent frame from a separate goroutine.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
	respond func(msg *frame.Message)
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("transport closed")
	}
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		msg, err := frame.Decode(data)
		if err == nil {
			go respond(msg)
		}
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) frames(t *testing.T) []*frame.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*frame.Message, 0, len(f.sent))
	for _, data := range f.sent {
		msg, err := frame.Decode(data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (f *fakeTransport) last(t *testing.T) *frame.Message {
	t.Helper()
	frames := f.frames(t)
	require.NotEmpty(t, frames, "nothing sent")
	return frames[len(frames)-1]
}

// waitCall blocks until the n-th (1-based) CALL has been sent.
func (f *fakeTransport) waitCall(t *testing.T, n int) *frame.Message {
	t.Helper()
	var call *frame.Message
	require.Eventually(t, func() bool {
		count := 0
		for _, msg := range f.frames(t) {
			if msg.Type == frame.CallType {
				count++
				if count == n {
					call = msg
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return call
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type memPersister struct {
	mu           sync.Mutex
	stations     map[string]StationRecord
	transactions []TransactionInfo
	stops        map[int]TransactionStop
	meterValues  int
	lastTxID     int
	err          error
}

func newMemPersister() *memPersister {
	return &memPersister{stations: make(map[string]StationRecord), stops: make(map[int]TransactionStop)}
}

func (p *memPersister) SaveStation(_ context.Context, rec StationRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.stations[rec.Identity] = rec
	return nil
}

func (p *memPersister) DeleteStation(_ context.Context, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stations, identity)
	return nil
}

func (p *memPersister) SaveTransaction(_ context.Context, tx TransactionInfo, stop *TransactionStop) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stop != nil {
		p.stops[tx.ID] = *stop
		return nil
	}
	p.transactions = append(p.transactions, tx)
	return nil
}

func (p *memPersister) SaveMeterValues(_ context.Context, _ string, _ int, _ *int, values []MeterValue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meterValues += len(values)
	return nil
}

func (p *memPersister) LoadStations(context.Context) ([]StationRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StationRecord, 0, len(p.stations))
	for _, rec := range p.stations {
		out = append(out, rec)
	}
	return out, nil
}

func (p *memPersister) LastTransactionID(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTxID, nil
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	cfg := NewConfig().WithCallTimeout(time.Second)
	reg, err := NewRegistry(cfg, opts...)
	require.NoError(t, err)
	return reg
}

func connect(t *testing.T, reg *Registry, identity string) (*Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	s, err := reg.Connect(context.Background(), identity, tr)
	require.NoError(t, err)
	return s, tr
}

// inbound delivers a station CALL and returns the session's reply.
func inbound(t *testing.T, s *Session, tr *fakeTransport, id, action string, payload any) *frame.Message {
	t.Helper()
	msg, err := frame.NewCall(id, action, payload)
	require.NoError(t, err)
	data, err := frame.Encode(msg)
	require.NoError(t, err)
	s.HandleInbound(context.Background(), data)

	reply := tr.last(t)
	require.Equal(t, id, reply.UniqueID)
	return reply
}

func decodePayload[T any](t *testing.T, msg *frame.Message) T {
	t.Helper()
	require.Equal(t, frame.CallResultType, msg.Type, "expected RESULT, got %s %s: %s", msg.Type, msg.ErrorCode, msg.ErrorDescription)
	var out T
	require.NoError(t, json.Unmarshal(msg.Payload, &out))
	return out
}

func encode(t *testing.T, msg *frame.Message) []byte {
	t.Helper()
	data, err := frame.Encode(msg)
	require.NoError(t, err)
	return data
}

func result(t *testing.T, id string, payload any) []byte {
	t.Helper()
	msg, err := frame.NewResult(id, payload)
	require.NoError(t, err)
	return encode(t, msg)
}
