package ocppserver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/balu-dk/go-ocpp-central/ocpp/eventlog"
	"github.com/balu-dk/go-ocpp-central/ocpp/frame"
)

// ArchivedFrame is one wire frame as kept in long-term storage.
type ArchivedFrame struct {
	ChargePointID string
	Seq           uint64
	Timestamp     time.Time
	Direction     string // "SEND" or "RECV"
	MessageType   string // "Request", "Response" or "Error"
	Action        string // for responses, the action of the correlated request
	MessageID     string
	Message       string
}

// FrameStore writes archived frames in batches.
type FrameStore interface {
	SaveFrames(ctx context.Context, frames []ArchivedFrame) error
}

// FrameArchiver queues frames recorded by sessions and writes them to a
// FrameStore in the background. It implements FrameRecorder.
type FrameArchiver struct {
	store         FrameStore
	log           zerolog.Logger
	maxQueueSize  int
	maxBacklog    int
	flushInterval time.Duration

	mu      sync.Mutex
	queue   []ArchivedFrame
	dropped int
	flushCh chan struct{}
}

func NewFrameArchiver(store FrameStore, log zerolog.Logger) *FrameArchiver {
	return &FrameArchiver{
		store:         store,
		log:           log,
		maxQueueSize:  100,
		maxBacklog:    10000,
		flushInterval: 10 * time.Second,
		flushCh:       make(chan struct{}, 1),
	}
}

func (a *FrameArchiver) RecordFrame(identity string, e eventlog.Entry, raw []byte) {
	f := ArchivedFrame{
		ChargePointID: identity,
		Seq:           e.Seq,
		Timestamp:     e.Timestamp,
		Direction:     "RECV",
		MessageType:   messageType(e.Kind),
		Action:        e.Action,
		MessageID:     e.UniqueID,
		Message:       string(raw),
	}
	if e.Direction == eventlog.ServerToStation {
		f.Direction = "SEND"
	}
	if f.Action == "" {
		f.Action = e.CorrelatedAction()
	}

	a.mu.Lock()
	if len(a.queue) >= a.maxBacklog {
		// The store is not keeping up; drop rather than grow without bound.
		a.dropped++
		a.mu.Unlock()
		return
	}
	a.queue = append(a.queue, f)
	full := len(a.queue) >= a.maxQueueSize
	a.mu.Unlock()

	if full {
		select {
		case a.flushCh <- struct{}{}:
		default:
		}
	}
}

func messageType(k frame.MessageType) string {
	switch k {
	case frame.CallType:
		return "Request"
	case frame.CallResultType:
		return "Response"
	default:
		return "Error"
	}
}

// Run flushes periodically and whenever the queue fills up, until ctx is
// cancelled. A final flush is attempted on the way out.
func (a *FrameArchiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.Flush(flushCtx)
			return nil
		case <-ticker.C:
			a.Flush(ctx)
		case <-a.flushCh:
			a.Flush(ctx)
		}
	}
}

// Flush writes everything queued so far. Failed batches are logged and
// discarded.
func (a *FrameArchiver) Flush(ctx context.Context) int {
	a.mu.Lock()
	batch := a.queue
	a.queue = nil
	dropped := a.dropped
	a.dropped = 0
	a.mu.Unlock()

	if dropped > 0 {
		a.log.Warn().Int("dropped", dropped).Msg("frame archive backlog full, frames dropped")
	}
	if len(batch) == 0 {
		return 0
	}
	if err := a.store.SaveFrames(ctx, batch); err != nil {
		a.log.Error().Err(err).Int("frames", len(batch)).Msg("failed to archive frames")
		return 0
	}
	a.log.Debug().Int("frames", len(batch)).Msg("archived frames")
	return len(batch)
}
