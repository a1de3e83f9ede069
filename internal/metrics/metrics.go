// Package metrics exposes the Prometheus collectors for job transitions
// and allocation outcomes, registered against a dedicated registry so
// cmd/dispatchd can serve them on its ops /metrics endpoint independent
// of the default global registry. Grounded on client_golang's promauto
// constructors, the idiomatic way every Go service in this stack
// instruments itself — no production source in the retrieved pack wires
// prometheus directly, so this follows the library's own documented
// registration pattern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the collectors the dispatch core emits to.
type Recorder struct {
	Registry *prometheus.Registry

	jobTransitions   *prometheus.CounterVec
	transitionErrors *prometheus.CounterVec
	allocationTotal  *prometheus.CounterVec
	allocationTime   *prometheus.HistogramVec
	candidatesTried  prometheus.Histogram
}

// New constructs a Recorder and registers its collectors on a fresh
// registry (kept separate from the global default so tests and multiple
// Recorders in one process never collide).
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		Registry: reg,
		jobTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchcore",
			Name:      "job_transitions_total",
			Help:      "Count of job lifecycle transitions by from/to status.",
		}, []string{"from", "to"}),
		transitionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchcore",
			Name:      "job_transition_errors_total",
			Help:      "Count of rejected job transitions by error kind.",
		}, []string{"kind"}),
		allocationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchcore",
			Name:      "allocation_attempts_total",
			Help:      "Count of allocation attempts by region and outcome.",
		}, []string{"region", "outcome"}),
		allocationTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatchcore",
			Name:      "allocation_duration_seconds",
			Help:      "Time spent running the allocation algorithm.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"region"}),
		candidatesTried: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatchcore",
			Name:      "allocation_candidates_evaluated",
			Help:      "Number of candidates evaluated per allocation attempt.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
	}
}

// RecordTransition counts a successful status change.
func (r *Recorder) RecordTransition(from, to string) {
	if r == nil {
		return
	}
	r.jobTransitions.WithLabelValues(from, to).Inc()
}

// RecordTransitionError counts a rejected transition by error kind.
func (r *Recorder) RecordTransitionError(kind string) {
	if r == nil {
		return
	}
	r.transitionErrors.WithLabelValues(kind).Inc()
}

// RecordAllocation counts an allocation attempt's outcome ("assigned" or
// "failed") and its duration and candidate count.
func (r *Recorder) RecordAllocation(region string, success bool, elapsed time.Duration, candidates int) {
	if r == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "assigned"
	}
	r.allocationTotal.WithLabelValues(region, outcome).Inc()
	r.allocationTime.WithLabelValues(region).Observe(elapsed.Seconds())
	r.candidatesTried.Observe(float64(candidates))
}
