package smartcharging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/balu-dk/go-ocpp-central/ocpp/ocpperr"
)

func TestValidate(t *testing.T) {
	valid := func() Profile {
		return profile(1, 0, TxDefaultProfile, Amps, Period{0, 16, nil}, Period{60, 8, ptr(3)})
	}

	tests := []struct {
		name   string
		mutate func(*Profile)
		field  string
	}{
		{"ok", func(*Profile) {}, ""},
		{"negative stack", func(p *Profile) { p.StackLevel = -1 }, "stackLevel"},
		{"bad purpose", func(p *Profile) { p.Purpose = "Other" }, "chargingProfilePurpose"},
		{"bad kind", func(p *Profile) { p.Kind = "Sometimes" }, "chargingProfileKind"},
		{"recurring without kind", func(p *Profile) {
			p.Kind = Recurring
			p.Schedule.StartSchedule = ptr(t0)
		}, "recurrencyKind"},
		{"recurring without start", func(p *Profile) {
			p.Kind = Recurring
			p.RecurrencyKind = ptr(Weekly)
		}, "chargingSchedule.startSchedule"},
		{"tx id outside tx profile", func(p *Profile) { p.TransactionID = ptr(3) }, "transactionId"},
		{"validFrom after validTo", func(p *Profile) {
			p.ValidFrom = ptr(t0.Add(time.Hour))
			p.ValidTo = ptr(t0)
		}, "validTo"},
		{"bad unit", func(p *Profile) { p.Schedule.ChargingRateUnit = "kW" }, "chargingSchedule.chargingRateUnit"},
		{"no periods", func(p *Profile) { p.Schedule.Periods = nil }, "chargingSchedule.chargingSchedulePeriod"},
		{"duplicate start", func(p *Profile) { p.Schedule.Periods[1].StartPeriod = 0 }, "chargingSchedule.chargingSchedulePeriod[1].startPeriod"},
		{"descending start", func(p *Profile) {
			p.Schedule.Periods[0].StartPeriod = 100
		}, "chargingSchedule.chargingSchedulePeriod[1].startPeriod"},
		{"zero limit", func(p *Profile) { p.Schedule.Periods[0].Limit = 0 }, "chargingSchedule.chargingSchedulePeriod[0].limit"},
		{"negative limit", func(p *Profile) { p.Schedule.Periods[1].Limit = -4 }, "chargingSchedule.chargingSchedulePeriod[1].limit"},
		{"phases", func(p *Profile) { p.Schedule.Periods[1].NumberPhases = ptr(4) }, "chargingSchedule.chargingSchedulePeriod[1].numberPhases"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(&p)
			err := Validate(p)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ocpperr.ValidationError
			if assert.True(t, errors.As(err, &ve), "got %v", err) {
				assert.Equal(t, tt.field, ve.Field)
			}
		})
	}
}

func TestValidateAllowsMissingPeriodZero(t *testing.T) {
	assert.NoError(t, Validate(profile(1, 0, TxDefaultProfile, Watts, Period{300, 1000, nil})))
}
