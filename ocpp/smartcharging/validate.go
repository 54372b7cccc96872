package smartcharging

import (
	"fmt"
	"time"

	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
)

// Validate checks a profile's own consistency. Errors are
// *ocpperr.ValidationError.
func Validate(p Profile) error {
	if p.StackLevel < 0 {
		return ocpperr.Invalid("stackLevel", "must be >= 0, got %d", p.StackLevel)
	}
	if !p.Purpose.valid() {
		return ocpperr.Invalid("chargingProfilePurpose", "unknown purpose %q", p.Purpose)
	}
	switch p.Kind {
	case Absolute, Relative:
	case Recurring:
		if p.RecurrencyKind == nil || (*p.RecurrencyKind != Daily && *p.RecurrencyKind != Weekly) {
			return ocpperr.Invalid("recurrencyKind", "recurring profile needs Daily or Weekly")
		}
		if p.Schedule.StartSchedule == nil {
			return ocpperr.Invalid("chargingSchedule.startSchedule", "recurring profile needs a start")
		}
	default:
		return ocpperr.Invalid("chargingProfileKind", "unknown kind %q", p.Kind)
	}
	if p.Purpose != TxProfile && p.TransactionID != nil {
		return ocpperr.Invalid("transactionId", "only allowed on %s", TxProfile)
	}
	if p.ValidFrom != nil && p.ValidTo != nil && p.ValidFrom.After(*p.ValidTo) {
		return ocpperr.Invalid("validTo", "validFrom %s is after validTo %s",
			p.ValidFrom.Format(time.RFC3339), p.ValidTo.Format(time.RFC3339))
	}
	return validateSchedule(p.Schedule)
}

func validateSchedule(s Schedule) error {
	if !s.ChargingRateUnit.valid() {
		return ocpperr.Invalid("chargingSchedule.chargingRateUnit", "must be W or A, got %q", s.ChargingRateUnit)
	}
	if s.Duration != nil && *s.Duration < 0 {
		return ocpperr.Invalid("chargingSchedule.duration", "must be >= 0")
	}
	if len(s.Periods) == 0 {
		return ocpperr.Invalid("chargingSchedule.chargingSchedulePeriod", "at least one period is required")
	}
	for i, period := range s.Periods {
		field := fmt.Sprintf("chargingSchedule.chargingSchedulePeriod[%d]", i)
		if period.StartPeriod < 0 {
			return ocpperr.Invalid(field+".startPeriod", "must be >= 0")
		}
		if i > 0 && period.StartPeriod <= s.Periods[i-1].StartPeriod {
			return ocpperr.Invalid(field+".startPeriod", "%d does not follow %d", period.StartPeriod, s.Periods[i-1].StartPeriod)
		}
		if period.Limit <= 0 {
			return ocpperr.Invalid(field+".limit", "must be > 0, got %g", period.Limit)
		}
		if period.NumberPhases != nil && (*period.NumberPhases < 1 || *period.NumberPhases > 3) {
			return ocpperr.Invalid(field+".numberPhases", "must be 1, 2 or 3")
		}
	}
	return nil
}
