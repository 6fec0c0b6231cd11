// Package metrics defines the Prometheus metrics exposed by oplogreplay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricNamespace = "oplogreplay"

// Counters.
var (
	//nolint:gochecknoglobals
	entriesReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "entries_read_total",
		Help:      "Total number of oplog entries read from the source.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	entriesAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "entries_applied_total",
		Help:      "Total number of oplog entries applied to the target.",
		Namespace: metricNamespace,
	}, []string{"op"})

	//nolint:gochecknoglobals
	entriesSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "entries_skipped_total",
		Help:      "Total number of oplog entries skipped, by reason.",
		Namespace: metricNamespace,
	}, []string{"reason"})

	//nolint:gochecknoglobals
	applyErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "apply_errors_total",
		Help:      "Total number of permanent apply errors.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "reconnects_total",
		Help:      "Total number of oplog cursor reconnects.",
		Namespace: metricNamespace,
	})
)

// Gauges.
var (
	//nolint:gochecknoglobals
	lagTimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "lag_time_seconds",
		Help:      "Lag in logical seconds between the source oplog head and the last applied entry.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	lastAppliedTimestampSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "last_applied_timestamp_seconds",
		Help:      "Seconds component of the last applied oplog timestamp.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "queue_size",
		Help:      "Number of entries in the tail-to-apply queue.",
		Namespace: metricNamespace,
	})
)

// Histograms.
var (
	//nolint:gochecknoglobals
	applyDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:      "apply_duration_seconds",
		Help:      "Duration of single entry applies in seconds.",
		Namespace: metricNamespace,
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

// Init initializes and registers the metrics.
func Init(reg prometheus.Registerer) {
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: metricNamespace,
	}))

	reg.MustRegister(
		entriesReadTotal,
		entriesAppliedTotal,
		entriesSkippedTotal,
		applyErrorsTotal,
		reconnectsTotal,

		lagTimeSeconds,
		lastAppliedTimestampSeconds,
		queueSize,

		applyDurationSeconds,
	)
}

// IncEntriesRead increments the total number of entries read counter.
func IncEntriesRead() {
	entriesReadTotal.Inc()
}

// IncEntriesApplied increments the applied counter for an operation type.
func IncEntriesApplied(op string) {
	entriesAppliedTotal.WithLabelValues(op).Inc()
}

// IncEntriesSkipped increments the skipped counter for a reason
// ("filtered", "noop", "decode", "error", "command").
func IncEntriesSkipped(reason string) {
	entriesSkippedTotal.WithLabelValues(reason).Inc()
}

// IncApplyErrors increments the permanent apply error counter.
func IncApplyErrors() {
	applyErrorsTotal.Inc()
}

// IncReconnects increments the cursor reconnect counter.
func IncReconnects() {
	reconnectsTotal.Inc()
}

// SetLagTimeSeconds sets the replication lag gauge.
func SetLagTimeSeconds(v uint32) {
	lagTimeSeconds.Set(float64(v))
}

// SetLastAppliedTimestamp sets the last applied timestamp gauge.
func SetLastAppliedTimestamp(t uint32) {
	lastAppliedTimestampSeconds.Set(float64(t))
}

// SetQueueSize sets the current size of the tail-to-apply queue.
func SetQueueSize(v int) {
	queueSize.Set(float64(v))
}

// ObserveApplyDuration records the duration of a single entry apply.
func ObserveApplyDuration(d time.Duration) {
	applyDurationSeconds.Observe(d.Seconds())
}
