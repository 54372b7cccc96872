package ocppserver

import (
	"context"
	"time"
)

// Monitor runs the periodic maintenance of the registry: failing expired
// calls, reporting stale stations and optionally polling meter values.
type Monitor struct {
	reg      *Registry
	commands *CommandManager
}

func NewMonitor(reg *Registry, commands *CommandManager) *Monitor {
	return &Monitor{reg: reg, commands: commands}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	cfg := m.reg.cfg

	sweep := time.NewTicker(positive(cfg.SweepInterval, time.Second))
	defer sweep.Stop()
	check := time.NewTicker(positive(cfg.HeartbeatCheckInterval, time.Minute))
	defer check.Stop()

	var poll <-chan time.Time
	if cfg.MeterPollInterval > 0 && m.commands != nil {
		t := time.NewTicker(cfg.MeterPollInterval)
		defer t.Stop()
		poll = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			m.reg.SweepExpired(m.reg.now())
		case <-check.C:
			m.CheckStations(m.reg.now())
		case <-poll:
			m.pollMeterValues(ctx)
		}
	}
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// StationIssue is a problem found by CheckStations.
type StationIssue struct {
	Identity     string
	Stale        bool // connected but silent for over three heartbeat intervals
	Offline      bool // disconnected with transactions still open
	Since        time.Time
	Transactions int
}

// CheckStations logs connected stations that missed their heartbeats and
// disconnected stations that still have open transactions.
func (m *Monitor) CheckStations(now time.Time) []StationIssue {
	var issues []StationIssue
	for _, s := range m.reg.List() {
		snap := s.Snapshot()
		switch snap.State {
		case Connected:
			limit := 3 * time.Duration(snap.HeartbeatInterval) * time.Second
			last := snap.LastHeartbeat
			if last.IsZero() {
				last = snap.ConnectedAt
			}
			if limit > 0 && now.Sub(last) > limit {
				s.log.Warn().Time("last_heartbeat", last).Dur("silent_for", now.Sub(last).Round(time.Second)).Msg("station missed heartbeats")
				issues = append(issues, StationIssue{Identity: snap.Identity, Stale: true, Since: last, Transactions: len(snap.Transactions)})
			}
		case Disconnected:
			if len(snap.Transactions) == 0 {
				continue
			}
			offline := now.Sub(snap.DisconnectedAt)
			if snap.DisconnectedAt.IsZero() || offline < time.Hour {
				continue
			}
			ev := s.log.Warn()
			if offline > 24*time.Hour {
				ev = s.log.Error()
			}
			ev.Dur("offline_for", offline.Round(time.Minute)).Int("transactions", len(snap.Transactions)).Msg("station offline with open transactions")
			issues = append(issues, StationIssue{Identity: snap.Identity, Offline: true, Since: snap.DisconnectedAt, Transactions: len(snap.Transactions)})
		}
	}
	return issues
}

// pollMeterValues triggers MeterValues for every connector with a running
// transaction. Triggers are sent in the background so one slow station does
// not hold up the loop.
func (m *Monitor) pollMeterValues(ctx context.Context) {
	for _, s := range m.reg.List() {
		if s.State() != Connected {
			continue
		}
		for connectorID := range s.Snapshot().Transactions {
			go func() {
				status, err := m.commands.TriggerMessage(ctx, s.identity, "MeterValues", &connectorID)
				if err != nil {
					s.log.Debug().Err(err).Int("connector", connectorID).Msg("meter value trigger failed")
					return
				}
				if status != StatusAccepted {
					s.log.Debug().Str("status", status).Int("connector", connectorID).Msg("meter value trigger not accepted")
				}
			}()
		}
	}
}
