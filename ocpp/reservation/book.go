// Package reservation keeps connector reservations for one station. Expiry is
// evaluated lazily whenever the book is read or written.
package reservation

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
)

type Status string

const (
	Active    Status = "Active"
	Cancelled Status = "Cancelled"
	Expired   Status = "Expired"
	Used      Status = "Used"
)

type Reservation struct {
	ID          int       `json:"reservationId"`
	ConnectorID int       `json:"connectorId"`
	IDTag       string    `json:"idTag"`
	ParentIDTag string    `json:"parentIdTag,omitempty"`
	ExpiresAt   time.Time `json:"expiryDate"`
	Status      Status    `json:"status"`
}

// Book is safe for concurrent use.
type Book struct {
	mu    sync.Mutex
	byID  map[int]*Reservation
	clock func() time.Time
}

func NewBook(clock func() time.Time) *Book {
	if clock == nil {
		clock = time.Now
	}
	return &Book{byID: make(map[int]*Reservation), clock: clock}
}

// Reserve records an Active reservation. A second reservation for a connector
// that already holds a live one fails with *ocpperr.ConflictError unless it
// carries the same reservation id, in which case the existing record is
// updated in place.
func (b *Book) Reserve(r Reservation) (Reservation, error) {
	if r.ConnectorID < 0 {
		return Reservation{}, ocpperr.Invalid("connectorId", "must be >= 0")
	}
	if r.IDTag == "" {
		return Reservation{}, ocpperr.Invalid("idTag", "is required")
	}
	if len(r.IDTag) > 20 {
		return Reservation{}, ocpperr.Invalid("idTag", "longer than 20 characters")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.expireLocked(now)

	if !r.ExpiresAt.After(now) {
		return Reservation{}, ocpperr.Invalid("expiryDate", "must be in the future")
	}

	for _, other := range b.byID {
		if other.Status != Active || other.ID == r.ID {
			continue
		}
		if other.ConnectorID == r.ConnectorID {
			return Reservation{}, &ocpperr.ConflictError{
				Resource: fmt.Sprintf("connector %d", r.ConnectorID),
				Reason:   fmt.Sprintf("reservation %d is active until %s", other.ID, other.ExpiresAt.Format(time.RFC3339)),
			}
		}
	}

	r.Status = Active
	stored := r
	b.byID[r.ID] = &stored
	return stored, nil
}

// Cancel marks an Active reservation Cancelled.
func (b *Book) Cancel(id int) (Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(b.clock())

	r, ok := b.byID[id]
	if !ok || r.Status != Active {
		return Reservation{}, fmt.Errorf("reservation %d: %w", id, ocpperr.ErrNotFound)
	}
	r.Status = Cancelled
	return *r, nil
}

// Use consumes the reservation a transaction starts against. When
// reservationID is nil the active reservation of the connector (or a
// station-wide one on connector 0) is used if its id tag matches. It reports
// false when nothing was consumed.
func (b *Book) Use(connectorID int, idTag string, reservationID *int) (Reservation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(b.clock())

	var match *Reservation
	if reservationID != nil {
		if r, ok := b.byID[*reservationID]; ok && r.Status == Active {
			match = r
		}
	} else {
		for _, r := range b.byID {
			if r.Status != Active || r.IDTag != idTag {
				continue
			}
			if r.ConnectorID == connectorID || r.ConnectorID == 0 {
				match = r
				break
			}
		}
	}
	if match == nil {
		return Reservation{}, false
	}
	match.Status = Used
	return *match, true
}

// Active returns the live reservation of a connector.
func (b *Book) Active(connectorID int) (Reservation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(b.clock())

	for _, r := range b.byID {
		if r.Status == Active && r.ConnectorID == connectorID {
			return *r, true
		}
	}
	return Reservation{}, false
}

// Get returns a reservation of any status.
func (b *Book) Get(id int) (Reservation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(b.clock())

	r, ok := b.byID[id]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

// List returns every reservation ordered by id.
func (b *Book) List() []Reservation {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(b.clock())

	out := make([]Reservation, 0, len(b.byID))
	for _, r := range b.byID {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Reservation) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Put stores r as given, replacing any reservation with the same id. Used to
// roll back a re-reservation the station refused.
func (b *Book) Put(r Reservation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := r
	b.byID[r.ID] = &stored
}

// Remove forgets a reservation regardless of status. Used to roll back a
// local reservation the station refused.
func (b *Book) Remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byID, id)
}

// Load replaces the book's contents.
func (b *Book) Load(rs []Reservation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byID = make(map[int]*Reservation, len(rs))
	for _, r := range rs {
		stored := r
		b.byID[r.ID] = &stored
	}
}

func (b *Book) expireLocked(now time.Time) {
	for _, r := range b.byID {
		if r.Status == Active && !r.ExpiresAt.After(now) {
			r.Status = Expired
		}
	}
}
