// Package metrics exposes Prometheus counters for the schedule engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Write operations.
const (
	OpInit   = "init"
	OpToggle = "toggle"
	OpReset  = "reset"
)

// Snapshot outcomes.
const (
	SnapshotApplied   = "applied"
	SnapshotAbsent    = "absent"
	SnapshotDiscarded = "discarded"
	SnapshotEcho      = "echo"
	SnapshotHeld      = "held"
)

var (
	namespace = "dayroutine"
	subsystem = "engine"

	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "writes_total",
			Help:      "Document writes by operation and result",
		},
		[]string{"op", "result"},
	)

	writeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "write_duration_seconds",
			Help:      "Time from issuing a document write to its completion",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	rollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rollbacks_total",
			Help:      "Optimistic toggles reverted after a failed write",
		},
	)

	snapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshots_total",
			Help:      "Store snapshots received (applied, absent or discarded as stale)",
		},
		[]string{"outcome"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Errors surfaced to the user by kind",
		},
		[]string{"kind"},
	)

	activeSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_subscriptions",
			Help:      "Live document subscriptions held by the engine",
		},
	)

	rolloversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rollovers_total",
			Help:      "Automatic moves of the active date to a new day",
		},
	)
)

// RecordWrite counts a completed write and its latency.
func RecordWrite(op string, err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	writesTotal.WithLabelValues(op, result).Inc()
	writeDuration.WithLabelValues(op).Observe(took.Seconds())
}

func IncRollback() {
	rollbacksTotal.Inc()
}

func RecordSnapshot(outcome string) {
	snapshotsTotal.WithLabelValues(outcome).Inc()
}

func IncError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}

func SubscriptionOpened() {
	activeSubscriptions.Inc()
}

func SubscriptionClosed() {
	activeSubscriptions.Dec()
}

func IncRollover() {
	rolloversTotal.Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
