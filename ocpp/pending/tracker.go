// Package pending tracks server-originated calls that are waiting for a
// correlated RESULT or ERROR from the station.
//
// Every registered call is completed exactly once: by Resolve, by Fail, by a
// deadline sweep or by FailAll when the transport goes away. Completion after
// that is a no-op and reported to the caller as false so late responses can be
// logged instead of delivered.
package pending

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
)

// Result is what a waiting caller receives.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// Call is an in-flight outbound request.
type Call struct {
	UniqueID string
	Action   string
	SentAt   time.Time
	Deadline time.Time

	done chan Result
}

// Done yields exactly one Result. The channel is buffered so completion never
// blocks on the waiter.
func (c *Call) Done() <-chan Result {
	return c.done
}

// Tracker is safe for concurrent use. One instance belongs to one session.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]*Call
	now   func() time.Time
}

// NewTracker creates an empty tracker. A nil clock uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{calls: make(map[string]*Call), now: now}
}

// Register adds a call. Expired calls are swept first so an idle session with
// no ticker still frees its deadlines.
func (t *Tracker) Register(uniqueID, action string, deadline time.Time) (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked(t.now())

	if _, exists := t.calls[uniqueID]; exists {
		return nil, fmt.Errorf("register %s %s: %w", action, uniqueID, ocpperr.ErrDuplicateCall)
	}
	call := &Call{
		UniqueID: uniqueID,
		Action:   action,
		SentAt:   t.now(),
		Deadline: deadline,
		done:     make(chan Result, 1),
	}
	t.calls[uniqueID] = call
	return call, nil
}

// Lookup returns the call registered under uniqueID without completing it.
func (t *Tracker) Lookup(uniqueID string) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[uniqueID]
	return c, ok
}

// Resolve delivers a successful response. It reports false when the id is
// unknown, e.g. because the call already timed out.
func (t *Tracker) Resolve(uniqueID string, payload json.RawMessage) bool {
	return t.complete(uniqueID, Result{Payload: payload})
}

// Fail completes a call with err.
func (t *Tracker) Fail(uniqueID string, err error) bool {
	return t.complete(uniqueID, Result{Err: err})
}

func (t *Tracker) complete(uniqueID string, res Result) bool {
	t.mu.Lock()
	call, ok := t.calls[uniqueID]
	if ok {
		delete(t.calls, uniqueID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	call.done <- res
	return true
}

// SweepExpired fails every call whose deadline is not after now with
// ocpperr.ErrTimeout and returns their ids in deadline order.
func (t *Tracker) SweepExpired(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(now)
}

func (t *Tracker) sweepLocked(now time.Time) []string {
	var expired []*Call
	for id, c := range t.calls {
		if !c.Deadline.After(now) {
			expired = append(expired, c)
			delete(t.calls, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Deadline.Before(expired[j].Deadline) })

	ids := make([]string, 0, len(expired))
	for _, c := range expired {
		c.done <- Result{Err: fmt.Errorf("%s %s: %w", c.Action, c.UniqueID, ocpperr.ErrTimeout)}
		ids = append(ids, c.UniqueID)
	}
	return ids
}

// FailAll fails every outstanding call with err and empties the tracker.
func (t *Tracker) FailAll(err error) []string {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*Call)
	t.mu.Unlock()

	ids := make([]string, 0, len(calls))
	for id, c := range calls {
		c.done <- Result{Err: fmt.Errorf("%s %s: %w", c.Action, id, err)}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of outstanding calls.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
