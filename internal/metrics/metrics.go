// Package metrics exposes central system activity as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromRecorder implements ocppserver.Metrics.
type PromRecorder struct {
	connected   prometheus.Gauge
	inbound     *prometheus.CounterVec
	outbound    *prometheus.CounterVec
	outboundDur *prometheus.HistogramVec
	malformed   prometheus.Counter
	late        prometheus.Counter
}

// NewPromRecorder registers the collectors on reg, or on the default
// registerer when reg is nil. Collectors that are already registered are
// reused, so a recorder can be rebuilt against the same registry.
func NewPromRecorder(reg prometheus.Registerer) (*PromRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PromRecorder{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocpp_connected_stations",
			Help: "Number of stations with a live WebSocket connection",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_inbound_calls_total",
			Help: "Station-initiated calls by action and outcome",
		}, []string{"action", "outcome"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_outbound_calls_total",
			Help: "Server-initiated calls by action and outcome",
		}, []string{"action", "outcome"}),
		outboundDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocpp_outbound_call_duration_seconds",
			Help:    "Time between sending a call and its completion",
			Buckets: prometheus.DefBuckets,
		}, []string{"action", "outcome"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_malformed_frames_total",
			Help: "Frames that could not be decoded",
		}),
		late: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_late_responses_total",
			Help: "Responses for unknown or already expired calls",
		}),
	}

	var err error
	if r.connected, err = register(reg, r.connected); err != nil {
		return nil, err
	}
	if r.inbound, err = register(reg, r.inbound); err != nil {
		return nil, err
	}
	if r.outbound, err = register(reg, r.outbound); err != nil {
		return nil, err
	}
	if r.outboundDur, err = register(reg, r.outboundDur); err != nil {
		return nil, err
	}
	if r.malformed, err = register(reg, r.malformed); err != nil {
		return nil, err
	}
	if r.late, err = register(reg, r.late); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *PromRecorder) SetConnectedStations(n int) {
	r.connected.Set(float64(n))
}

func (r *PromRecorder) ObserveInboundCall(action, outcome string) {
	r.inbound.WithLabelValues(action, outcome).Inc()
}

func (r *PromRecorder) ObserveOutboundCall(action, outcome string, elapsed time.Duration) {
	r.outbound.WithLabelValues(action, outcome).Inc()
	r.outboundDur.WithLabelValues(action, outcome).Observe(elapsed.Seconds())
}

func (r *PromRecorder) IncMalformedFrames() { r.malformed.Inc() }

func (r *PromRecorder) IncLateResponses() { r.late.Inc() }

// Handler serves the metrics gathered by g, or the default gatherer when g is
// nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
