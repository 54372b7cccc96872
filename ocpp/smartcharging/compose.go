package smartcharging

import (
	"math"
	"slices"
	"time"

	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
)

// Transaction describes the transaction running on the queried connector.
type Transaction struct {
	ID      int
	StartAt time.Time
}

type ComposeRequest struct {
	ConnectorID int
	Start       time.Time
	// Duration of the window in seconds.
	Duration int
	// RateUnit of the result. Empty selects the unit of the strongest
	// applicable profile, or A when none applies.
	RateUnit RateUnit
	// Transaction is nil when no transaction is active; TxProfiles are then
	// ignored.
	Transaction *Transaction
}

// span is a stretch of the window during which one occurrence of a profile's
// schedule runs. All offsets are seconds from the window start.
type span struct {
	from, to int64
	anchor   int64
}

type candidate struct {
	*Installed
	spans []span
}

// at returns the period in effect at off. active is false when the profile
// does not run at off at all; ok is false when it runs but has no period yet.
// Spans are ordered and disjoint.
func (c candidate) at(off int64) (period Period, active, ok bool) {
	j, _ := slices.BinarySearchFunc(c.spans, off, func(s span, t int64) int {
		if s.to <= t {
			return -1
		}
		return 1
	})
	if j == len(c.spans) || off < c.spans[j].from {
		return Period{}, false, false
	}
	rel := off - c.spans[j].anchor
	periods := c.Profile.Schedule.Periods
	i, _ := slices.BinarySearchFunc(periods, rel, func(p Period, t int64) int {
		if int64(p.StartPeriod) <= t {
			return -1
		}
		return 1
	})
	if i == 0 {
		return Period{}, true, false
	}
	return periods[i-1], true, true
}

// Compose merges the applicable profiles of req.ConnectorID into one
// schedule for the window [Start, Start+Duration).
//
// The window is cut at every point where some profile starts, ends or changes
// period. For each piece the strongest profile running at its start decides
// the limit; if that profile has not reached its first period yet, the piece
// is left uncapped. Adjacent pieces with equal limits are merged.
func (c *Composer) Compose(req ComposeRequest) (CompositeSchedule, error) {
	if req.ConnectorID < 0 {
		return CompositeSchedule{}, ocpperr.Invalid("connectorId", "must be >= 0")
	}
	if req.Duration <= 0 {
		return CompositeSchedule{}, ocpperr.Invalid("duration", "must be > 0")
	}
	if req.RateUnit != "" && !req.RateUnit.valid() {
		return CompositeSchedule{}, ocpperr.Invalid("chargingRateUnit", "must be W or A, got %q", req.RateUnit)
	}

	if req.Duration > c.maxDuration {
		return CompositeSchedule{}, ocpperr.Invalid("duration", "must be <= %d", c.maxDuration)
	}

	c.mu.RLock()
	policy := c.policy
	candidates := c.candidatesLocked(req)
	c.mu.RUnlock()

	unit := req.RateUnit
	if unit == "" {
		unit = Amps
		if len(candidates) > 0 {
			strongest := candidates[0]
			for _, cand := range candidates[1:] {
				if policy.outranks(cand.Installed, strongest.Installed) {
					strongest = cand
				}
			}
			unit = strongest.Profile.Schedule.ChargingRateUnit
		}
	}

	out := CompositeSchedule{
		ConnectorID:      req.ConnectorID,
		ScheduleStart:    req.Start,
		Duration:         req.Duration,
		ChargingRateUnit: unit,
		Periods:          []CompositePeriod{},
	}

	bounds := boundaries(candidates, int64(req.Duration))
	for i := 0; i+1 < len(bounds); i++ {
		from, to := bounds[i], bounds[i+1]
		limit, phases, ok := c.limitAt(policy, candidates, from, unit)
		if !ok {
			continue
		}
		out.Periods = appendPeriod(out.Periods, CompositePeriod{
			StartPeriod:  int(from),
			EndPeriod:    int(to),
			Limit:        limit,
			NumberPhases: phases,
		})
	}
	return out, nil
}

func (c *Composer) candidatesLocked(req ComposeRequest) []candidate {
	var out []candidate
	for _, in := range c.profiles {
		if in.ConnectorID != req.ConnectorID && in.ConnectorID != 0 {
			continue
		}
		if in.Profile.Purpose == TxProfile {
			if req.Transaction == nil {
				continue
			}
			if tx := in.Profile.TransactionID; tx != nil && *tx != req.Transaction.ID {
				continue
			}
		}
		spans := scheduleSpans(in.Profile, req)
		if len(spans) == 0 {
			continue
		}
		out = append(out, candidate{Installed: in, spans: spans})
	}
	return out
}

func scheduleSpans(p Profile, req ComposeRequest) []span {
	lo, hi := int64(0), int64(req.Duration)
	if p.ValidFrom != nil {
		lo = max(lo, offset(req.Start, *p.ValidFrom))
	}
	if p.ValidTo != nil {
		hi = min(hi, offset(req.Start, *p.ValidTo))
	}
	if lo >= hi {
		return nil
	}

	length := int64(-1)
	if d := p.Schedule.Duration; d != nil {
		length = int64(*d)
	}

	var anchors []int64
	switch p.Kind {
	case Absolute:
		start := req.Start
		if p.Schedule.StartSchedule != nil {
			start = *p.Schedule.StartSchedule
		}
		anchors = append(anchors, offset(req.Start, start))
	case Relative:
		start := req.Start
		if req.Transaction != nil {
			start = req.Transaction.StartAt
		}
		anchors = append(anchors, offset(req.Start, start))
	case Recurring:
		every := p.RecurrencyKind.length()
		if length < 0 || length > every {
			length = every
		}
		base := offset(req.Start, *p.Schedule.StartSchedule)
		k := max(floorDiv(lo-base, every), 0)
		for a := base + k*every; a < hi; a += every {
			anchors = append(anchors, a)
		}
	}

	var spans []span
	for _, a := range anchors {
		from, to := max(lo, a), hi
		if length >= 0 {
			to = min(to, a+length)
		}
		if from < to {
			spans = append(spans, span{from: from, to: to, anchor: a})
		}
	}
	return spans
}

func boundaries(candidates []candidate, duration int64) []int64 {
	points := []int64{0, duration}
	add := func(v int64) {
		if v > 0 && v < duration {
			points = append(points, v)
		}
	}
	for _, cand := range candidates {
		for _, s := range cand.spans {
			add(s.from)
			add(s.to)
			for _, p := range cand.Profile.Schedule.Periods {
				if at := s.anchor + int64(p.StartPeriod); at >= s.from && at < s.to {
					add(at)
				}
			}
		}
	}
	slices.Sort(points)
	return slices.Compact(points)
}

// limitAt resolves the limit at off in the requested unit.
func (c *Composer) limitAt(policy Policy, candidates []candidate, off int64, unit RateUnit) (float64, *int, bool) {
	var winner, stationMax *candidate
	var winnerPeriod, maxPeriod Period
	var winnerOK, maxOK bool

	for i := range candidates {
		cand := &candidates[i]
		period, active, ok := cand.at(off)
		if !active {
			continue
		}
		if policy.StationMaxCaps && cand.Profile.Purpose == ChargePointMaxProfile {
			if stationMax == nil || policy.outranks(cand.Installed, stationMax.Installed) {
				stationMax, maxPeriod, maxOK = cand, period, ok
			}
			continue
		}
		if winner == nil || policy.outranks(cand.Installed, winner.Installed) {
			winner, winnerPeriod, winnerOK = cand, period, ok
		}
	}

	var limit float64
	var phases *int
	found := false
	if winner != nil && winnerOK {
		limit = c.convert(winnerPeriod, winner.Profile.Schedule.ChargingRateUnit, unit)
		phases = winnerPeriod.NumberPhases
		found = true
	}
	if stationMax != nil && maxOK {
		capLimit := c.convert(maxPeriod, stationMax.Profile.Schedule.ChargingRateUnit, unit)
		if !found || capLimit < limit {
			limit, phases = capLimit, maxPeriod.NumberPhases
			found = true
		}
	}
	return limit, phases, found
}

func (c *Composer) convert(p Period, from, to RateUnit) float64 {
	if from == to {
		return p.Limit
	}
	phases := 3.0
	if p.NumberPhases != nil {
		phases = float64(*p.NumberPhases)
	}
	if from == Watts {
		return p.Limit / (c.voltage * phases)
	}
	return p.Limit * c.voltage * phases
}

// appendPeriod extends the last period when next continues it at the same
// limit. The merged period keeps the first period's phase count.
func appendPeriod(periods []CompositePeriod, next CompositePeriod) []CompositePeriod {
	if n := len(periods); n > 0 {
		last := &periods[n-1]
		if last.EndPeriod == next.StartPeriod && last.Limit == next.Limit {
			last.EndPeriod = next.EndPeriod
			return periods
		}
	}
	return append(periods, next)
}

// offset returns t relative to start in whole seconds, rounded down.
func offset(start, t time.Time) int64 {
	return int64(math.Floor(t.Sub(start).Seconds()))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
