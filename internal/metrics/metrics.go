package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomePersisted labels cycles whose state reached the store.
	OutcomePersisted = "persisted"
	// OutcomePending labels cycles parked for manual override.
	OutcomePending = "pending_override"
	// OutcomeEmpty labels cycles where no modality produced an observation.
	OutcomeEmpty = "empty"
	// OutcomeError labels cycles that failed or were cancelled.
	OutcomeError = "error"
	// OutcomeSuccess and OutcomeFailure label purges.
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "affect",
			Name:      "cycles_total",
			Help:      "Detection cycles handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "affect",
			Name:      "cycle_seconds",
			Help:      "Detection cycle latency in seconds, collection through persistence.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8},
		},
	)

	fusedConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "affect",
			Name:      "fused_confidence",
			Help:      "Distribution of fused confidence scores.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	collectorTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "affect",
			Name:      "collector_timeouts_total",
			Help:      "Modality collectors that missed the cycle deadline.",
		},
		[]string{"modality"},
	)

	recordFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "affect",
			Name:      "record_failures_total",
			Help:      "Stored records skipped during a query, by failure kind.",
		},
		[]string{"kind"},
	)

	purgesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "affect",
			Name:      "purges_total",
			Help:      "Profile purges, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches the affect collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		fusedConfidence,
		collectorTimeoutsTotal,
		recordFailuresTotal,
		purgesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records a cycle duration and outcome label.
func ObserveCycle(duration time.Duration, outcome string) {
	cyclesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveConfidence records one fused confidence score.
func ObserveConfidence(c float64) {
	fusedConfidence.Observe(c)
}

// CollectorTimeout counts a modality that missed its deadline.
func CollectorTimeout(modality string) {
	collectorTimeoutsTotal.WithLabelValues(modality).Inc()
}

// RecordFailure counts a record skipped during a query.
func RecordFailure(kind string) {
	recordFailuresTotal.WithLabelValues(kind).Inc()
}

// ObservePurge counts a purge attempt.
func ObservePurge(ok bool) {
	label := OutcomeFailure
	if ok {
		label = OutcomeSuccess
	}
	purgesTotal.WithLabelValues(label).Inc()
}
