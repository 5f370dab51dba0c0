package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counter store's Prometheus metrics
type Metrics struct {
	Mutations *prometheus.CounterVec
	Merges    *prometheus.CounterVec
	Malformed prometheus.Counter
	Overflows prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Mutations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dragoncounters",
				Subsystem: "counters",
				Name:      "mutations_total",
				Help:      "Local counter mutations by kind",
			},
			[]string{"kind"},
		),
		Merges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dragoncounters",
				Subsystem: "counters",
				Name:      "merges_total",
				Help:      "Replicated counter merges by outcome",
			},
			[]string{"outcome"},
		),
		Malformed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dragoncounters",
				Subsystem: "counters",
				Name:      "malformed_total",
				Help:      "Incoming replicated counters skipped as malformed",
			},
		),
		Overflows: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dragoncounters",
				Subsystem: "counters",
				Name:      "overflows_total",
				Help:      "Mutations rejected because of int64 overflow",
			},
		),
	}
}
