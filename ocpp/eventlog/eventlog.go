// Package eventlog keeps a bounded, ordered record of the frames exchanged
// with one station.
package eventlog

import (
	"encoding/json"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/balu-dk/go-ocpp-central/ocpp/frame"
)

// DefaultCapacity is the number of entries kept per station. It is also the
// largest capacity New accepts.
const DefaultCapacity = 5000

type Direction string

const (
	StationToServer Direction = "StationToServer"
	ServerToStation Direction = "ServerToStation"
)

// Opposite returns the direction a response to a frame sent in d travels.
func (d Direction) Opposite() Direction {
	if d == StationToServer {
		return ServerToStation
	}
	return StationToServer
}

// Entry is one recorded frame.
type Entry struct {
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Direction Direction         `json:"direction"`
	Kind      frame.MessageType `json:"kind"`
	Action    string            `json:"action,omitempty"`
	UniqueID  string            `json:"uniqueId"`
	Payload   json.RawMessage   `json:"payload,omitempty"`

	// correlated is the action of the CALL a RESULT or ERROR answers, resolved
	// at append time. It is empty for CALLs and uncorrelated responses.
	correlated string
}

// CorrelatedAction returns the action this entry belongs to: its own action
// for a CALL, or the action of the answered CALL for a RESULT or ERROR.
func (e Entry) CorrelatedAction() string {
	if e.Kind == frame.CallType {
		return e.Action
	}
	return e.correlated
}

type callKey struct {
	dir Direction
	id  string
}

// Log is a ring buffer of entries. It is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	buf     []Entry
	head    int
	size    int
	nextSeq uint64

	// calls maps a CALL's direction and id to its action so responses can be
	// tied back to it. Entries are dropped when the CALL is evicted.
	calls map[callKey]string
	now   func() time.Time
}

// New creates a log holding at most capacity entries. A capacity outside
// (0, DefaultCapacity] selects DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 || capacity > DefaultCapacity {
		capacity = DefaultCapacity
	}
	return &Log{
		buf:   make([]Entry, capacity),
		calls: make(map[callKey]string),
		now:   time.Now,
	}
}

// WithClock replaces the timestamp source.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Record appends a decoded frame.
func (l *Log) Record(dir Direction, msg *frame.Message) Entry {
	e := Entry{
		Direction: dir,
		Kind:      msg.Type,
		Action:    msg.Action,
		UniqueID:  msg.UniqueID,
		Payload:   msg.Payload,
	}
	if msg.Type == frame.CallErrorType {
		e.Payload, _ = json.Marshal(map[string]any{
			"errorCode":        msg.ErrorCode,
			"errorDescription": msg.ErrorDescription,
			"errorDetails":     msg.ErrorDetails,
		})
	}
	return l.Append(e)
}

// Append pushes e to the tail, evicting the oldest entry when full. Seq and
// a zero Timestamp are assigned here.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	e.Seq = l.nextSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	switch e.Kind {
	case frame.CallType:
		e.correlated = ""
		l.calls[callKey{e.Direction, e.UniqueID}] = e.Action
	case frame.CallResultType, frame.CallErrorType:
		e.correlated = l.calls[callKey{e.Direction.Opposite(), e.UniqueID}]
	}

	capacity := len(l.buf)
	if l.size == capacity {
		l.evictLocked()
	}
	l.buf[(l.head+l.size)%capacity] = e
	l.size++
	return e
}

func (l *Log) evictLocked() {
	old := l.buf[l.head]
	if old.Kind == frame.CallType {
		key := callKey{old.Direction, old.UniqueID}
		if action, ok := l.calls[key]; ok && action == old.Action {
			delete(l.calls, key)
		}
	}
	l.buf[l.head] = Entry{}
	l.head = (l.head + 1) % len(l.buf)
	l.size--
}

// Len is the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Clear removes all entries. Sequence numbers keep increasing.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.buf)
	l.head, l.size = 0, 0
	l.calls = make(map[callKey]string)
}

// Entries returns a copy of all retained entries, oldest first.
func (l *Log) Entries() []Entry {
	return slices.Collect(l.Query(Filter{}))
}

// Filter selects entries. Empty fields match everything.
type Filter struct {
	// Actions matches CALLs by exact action name and RESULT/ERROR frames by the
	// action of the CALL they answer.
	Actions    []string
	Directions []Direction
	// Text is a case-insensitive match against action, unique id and payload.
	Text  string
	Since time.Time
	Until time.Time
	// Limit keeps only the newest Limit matches when positive.
	Limit int
}

func (f Filter) match(e Entry) bool {
	if len(f.Actions) > 0 {
		action := e.CorrelatedAction()
		if action == "" || !slices.Contains(f.Actions, action) {
			return false
		}
	}
	if len(f.Directions) > 0 && !slices.Contains(f.Directions, e.Direction) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(e.Action), needle) &&
			!strings.Contains(strings.ToLower(e.UniqueID), needle) &&
			!strings.Contains(strings.ToLower(string(e.Payload)), needle) {
			return false
		}
	}
	return true
}

// Query returns matching entries oldest first. The sequence works on a
// snapshot taken when iteration starts, so it never holds the lock while the
// consumer runs.
func (l *Log) Query(f Filter) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		l.mu.RLock()
		snapshot := make([]Entry, 0, l.size)
		for i := range l.size {
			e := l.buf[(l.head+i)%len(l.buf)]
			if f.match(e) {
				snapshot = append(snapshot, e)
			}
		}
		l.mu.RUnlock()

		if f.Limit > 0 && len(snapshot) > f.Limit {
			snapshot = snapshot[len(snapshot)-f.Limit:]
		}
		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}
