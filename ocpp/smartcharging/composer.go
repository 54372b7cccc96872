package smartcharging

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
)

// DefaultVoltage is the nominal phase voltage used to convert between W and A.
const DefaultVoltage = 230.0

// DefaultMaxDuration is the longest composite window, in seconds, a Composer
// accepts unless WithMaxDuration says otherwise.
const DefaultMaxDuration = 7 * 24 * 3600

// Policy decides which profile wins when several apply at the same instant.
type Policy struct {
	// Precedence lists purposes from strongest to weakest. Purposes missing
	// from the list rank below all listed ones.
	Precedence []Purpose
	// StationMaxCaps makes the winning ChargePointMaxProfile an upper bound
	// on whatever the other purposes select, instead of only competing with
	// them on precedence.
	StationMaxCaps bool
}

// DefaultPolicy ranks TxProfile over TxDefaultProfile over
// ChargePointMaxProfile.
func DefaultPolicy() Policy {
	return Policy{Precedence: []Purpose{TxProfile, TxDefaultProfile, ChargePointMaxProfile}}
}

func (p Policy) rank(purpose Purpose) int {
	if i := slices.Index(p.Precedence, purpose); i >= 0 {
		return i
	}
	return len(p.Precedence)
}

// outranks reports whether a beats b.
func (p Policy) outranks(a, b *Installed) bool {
	if ra, rb := p.rank(a.Profile.Purpose), p.rank(b.Profile.Purpose); ra != rb {
		return ra < rb
	}
	if a.Profile.StackLevel != b.Profile.StackLevel {
		return a.Profile.StackLevel > b.Profile.StackLevel
	}
	return a.Seq > b.Seq
}

type profileKey struct {
	connectorID int
	purpose     Purpose
	stackLevel  int
}

// Composer holds the installed profiles of one station.
type Composer struct {
	mu       sync.RWMutex
	profiles map[profileKey]*Installed
	seq      uint64

	policy      Policy
	voltage     float64
	maxDuration int
}

type Option func(*Composer)

func WithPolicy(p Policy) Option {
	return func(c *Composer) { c.policy = p }
}

func WithVoltage(v float64) Option {
	return func(c *Composer) {
		if v > 0 {
			c.voltage = v
		}
	}
}

// WithMaxDuration caps the window Compose accepts, in seconds.
func WithMaxDuration(seconds int) Option {
	return func(c *Composer) {
		if seconds > 0 {
			c.maxDuration = seconds
		}
	}
}

func NewComposer(opts ...Option) *Composer {
	c := &Composer{
		profiles:    make(map[profileKey]*Installed),
		policy:      DefaultPolicy(),
		voltage:     DefaultVoltage,
		maxDuration: DefaultMaxDuration,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Install validates p and stores it for connectorID. A profile already held
// under the same connector, purpose and stack level is replaced, as is any
// profile with the same id.
func (c *Composer) Install(connectorID int, p Profile) error {
	if err := CheckInstall(connectorID, p); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, existing := range c.profiles {
		if existing.Profile.ID == p.ID {
			delete(c.profiles, key)
		}
	}
	c.seq++
	c.profiles[profileKey{connectorID, p.Purpose, p.StackLevel}] = &Installed{
		ConnectorID: connectorID,
		Profile:     p,
		Seq:         c.seq,
	}
	return nil
}

// CheckInstall reports whether p could be installed on connectorID without
// installing it.
func CheckInstall(connectorID int, p Profile) error {
	if connectorID < 0 {
		return ocpperr.Invalid("connectorId", "must be >= 0")
	}
	if err := Validate(p); err != nil {
		return err
	}
	if p.Purpose == TxProfile && connectorID == 0 {
		return ocpperr.Invalid("connectorId", "%s cannot be set on connector 0", TxProfile)
	}
	return nil
}

// ClearFilter selects profiles to remove. With ID set the other fields are
// ignored; otherwise every non-nil field must match.
type ClearFilter struct {
	ID          *int
	ConnectorID *int
	Purpose     *Purpose
	StackLevel  *int
}

func (f ClearFilter) match(in *Installed) bool {
	if f.ID != nil {
		return in.Profile.ID == *f.ID
	}
	if f.ConnectorID != nil && in.ConnectorID != *f.ConnectorID {
		return false
	}
	if f.Purpose != nil && in.Profile.Purpose != *f.Purpose {
		return false
	}
	if f.StackLevel != nil && in.Profile.StackLevel != *f.StackLevel {
		return false
	}
	return true
}

// Clear removes matching profiles and returns how many were removed.
func (c *Composer) Clear(f ClearFilter) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, in := range c.profiles {
		if f.match(in) {
			delete(c.profiles, key)
			removed++
		}
	}
	return removed
}

// ClearTransaction removes the TxProfiles of a connector once its transaction
// has ended.
func (c *Composer) ClearTransaction(connectorID int) int {
	purpose := TxProfile
	return c.Clear(ClearFilter{ConnectorID: &connectorID, Purpose: &purpose})
}

// Profiles returns the profiles installed on connectorID, or on every
// connector when connectorID is negative, in install order.
func (c *Composer) Profiles(connectorID int) []Installed {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Installed, 0, len(c.profiles))
	for _, in := range c.profiles {
		if connectorID < 0 || in.ConnectorID == connectorID {
			out = append(out, *in)
		}
	}
	slices.SortFunc(out, func(a, b Installed) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// Load replaces the installed set, e.g. from persisted state. Entries are
// installed in Seq order so key collisions resolve the same way they did
// originally.
func (c *Composer) Load(installed []Installed) error {
	sorted := slices.Clone(installed)
	slices.SortFunc(sorted, func(a, b Installed) int { return cmp.Compare(a.Seq, b.Seq) })

	c.mu.Lock()
	c.profiles = make(map[profileKey]*Installed)
	c.seq = 0
	c.mu.Unlock()

	for _, in := range sorted {
		if err := c.Install(in.ConnectorID, in.Profile); err != nil {
			return fmt.Errorf("load profile %d: %w", in.Profile.ID, err)
		}
	}
	return nil
}

func (c *Composer) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profiles)
}
