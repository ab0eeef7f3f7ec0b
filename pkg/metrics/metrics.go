package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FederationMetrics exposes the round protocol's operational counters.
type FederationMetrics struct {
	RoundsCompleted   prometheus.Counter
	RoundsFailed      prometheus.Counter
	UpdatesAccepted   prometheus.Counter
	UpdatesRejected   *prometheus.CounterVec
	RegisteredClients prometheus.Gauge
	SpentEpsilon      prometheus.Gauge
	AggregationTime   prometheus.Histogram
}

func NewFederationMetrics(reg prometheus.Registerer) *FederationMetrics {
	m := &FederationMetrics{
		RoundsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "federation_rounds_completed_total",
			Help: "Number of successfully aggregated rounds",
		}),
		RoundsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "federation_rounds_failed_total",
			Help: "Number of rounds that failed to aggregate",
		}),
		UpdatesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "federation_updates_accepted_total",
			Help: "Number of accepted model updates",
		}),
		UpdatesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_updates_rejected_total",
			Help: "Number of rejected model updates by reason",
		}, []string{"reason"}),
		RegisteredClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "federation_registered_clients",
			Help: "Number of registered clients",
		}),
		SpentEpsilon: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "federation_spent_epsilon",
			Help: "Cumulative differential privacy epsilon spent",
		}),
		AggregationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "federation_aggregation_seconds",
			Help:    "Wall time of round aggregation",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RoundsCompleted,
			m.RoundsFailed,
			m.UpdatesAccepted,
			m.UpdatesRejected,
			m.RegisteredClients,
			m.SpentEpsilon,
			m.AggregationTime,
		)
	}
	return m
}
