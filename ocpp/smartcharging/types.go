// Package smartcharging stores charging profiles per connector and merges
// them into composite schedules.
package smartcharging

import "time"

// Purpose of a charging profile, as named on the wire.
type Purpose string

const (
	ChargePointMaxProfile Purpose = "ChargePointMaxProfile"
	TxDefaultProfile      Purpose = "TxDefaultProfile"
	TxProfile             Purpose = "TxProfile"
)

func (p Purpose) valid() bool {
	switch p {
	case ChargePointMaxProfile, TxDefaultProfile, TxProfile:
		return true
	}
	return false
}

type Kind string

const (
	Absolute  Kind = "Absolute"
	Recurring Kind = "Recurring"
	Relative  Kind = "Relative"
)

type RecurrencyKind string

const (
	Daily  RecurrencyKind = "Daily"
	Weekly RecurrencyKind = "Weekly"
)

func (r RecurrencyKind) length() int64 {
	if r == Weekly {
		return 7 * 24 * 3600
	}
	return 24 * 3600
}

// RateUnit is W (power) or A (current).
type RateUnit string

const (
	Watts RateUnit = "W"
	Amps  RateUnit = "A"
)

func (u RateUnit) valid() bool { return u == Watts || u == Amps }

type Period struct {
	StartPeriod  int     `json:"startPeriod"`
	Limit        float64 `json:"limit"`
	NumberPhases *int    `json:"numberPhases,omitempty"`
}

type Schedule struct {
	Duration         *int       `json:"duration,omitempty"`
	StartSchedule    *time.Time `json:"startSchedule,omitempty"`
	ChargingRateUnit RateUnit   `json:"chargingRateUnit"`
	Periods          []Period   `json:"chargingSchedulePeriod"`
	MinChargingRate  *float64   `json:"minChargingRate,omitempty"`
}

type Profile struct {
	ID             int             `json:"chargingProfileId"`
	TransactionID  *int            `json:"transactionId,omitempty"`
	StackLevel     int             `json:"stackLevel"`
	Purpose        Purpose         `json:"chargingProfilePurpose"`
	Kind           Kind            `json:"chargingProfileKind"`
	RecurrencyKind *RecurrencyKind `json:"recurrencyKind,omitempty"`
	ValidFrom      *time.Time      `json:"validFrom,omitempty"`
	ValidTo        *time.Time      `json:"validTo,omitempty"`
	Schedule       Schedule        `json:"chargingSchedule"`
}

// Installed is a profile as held by the composer.
type Installed struct {
	ConnectorID int     `json:"connectorId"`
	Profile     Profile `json:"profile"`
	// Seq orders installs; later installs win ties.
	Seq uint64 `json:"seq"`
}

// CompositePeriod is one flattened line of a composite schedule. Offsets are
// seconds from the schedule start; EndPeriod is exclusive.
type CompositePeriod struct {
	StartPeriod  int     `json:"startPeriod"`
	EndPeriod    int     `json:"endPeriod"`
	Limit        float64 `json:"limit"`
	NumberPhases *int    `json:"numberPhases,omitempty"`
}

// CompositeSchedule is derived on demand and never stored. Sub-ranges with no
// applicable limit appear as gaps between periods.
type CompositeSchedule struct {
	ConnectorID      int               `json:"connectorId"`
	ScheduleStart    time.Time         `json:"scheduleStart"`
	Duration         int               `json:"duration"`
	ChargingRateUnit RateUnit          `json:"chargingRateUnit"`
	Periods          []CompositePeriod `json:"chargingSchedulePeriod"`
}

// Schedule renders the composite in wire form as returned by
// GetCompositeSchedule.
func (c CompositeSchedule) Schedule() Schedule {
	start := c.ScheduleStart
	duration := c.Duration
	periods := make([]Period, 0, len(c.Periods))
	for _, p := range c.Periods {
		periods = append(periods, Period{StartPeriod: p.StartPeriod, Limit: p.Limit, NumberPhases: p.NumberPhases})
	}
	return Schedule{
		Duration:         &duration,
		StartSchedule:    &start,
		ChargingRateUnit: c.ChargingRateUnit,
		Periods:          periods,
	}
}
