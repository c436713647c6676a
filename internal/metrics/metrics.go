// Package metrics provides Prometheus metrics for the reconciler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Cycle metrics.
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "cycle",
		Name:      "runs_total",
		Help:      "Total number of passes run.",
	}, []string{"pass", "result"}) // pass: accounting|panel_sync|orphans; result: ok|error
	CycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reconciler",
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Duration of passes.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"pass"})
	AccountErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "cycle",
		Name:      "account_errors_total",
		Help:      "Per-account failures inside background passes.",
	})

	// Account metrics.
	Accounts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Subsystem: "accounts",
		Name:      "count",
		Help:      "Number of accounts by status.",
	}, []string{"status"})
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "accounts",
		Name:      "status_transitions_total",
		Help:      "Automatic status transitions.",
	}, []string{"to"})
	TrafficBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "accounts",
		Name:      "traffic_bytes_total",
		Help:      "Traffic accounted, by transport.",
	}, []string{"transport"}) // "tunnel" or "proxy"

	// Store writes.
	FileWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "awg",
		Name:      "file_writes_total",
		Help:      "Writes of the interface file and client registry.",
	}, []string{"file"}) // "config" or "clients_table"
	Reloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "awg",
		Name:      "reloads_total",
		Help:      "Daemon reloads and restarts.",
	}, []string{"kind", "result"}) // kind: reload|restart
	OrphansRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "awg",
		Name:      "orphans_removed_total",
		Help:      "Orphaned entries removed.",
	}, []string{"kind"}) // peer|registry|panel

	// Panel metrics.
	PanelMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "panel",
		Name:      "mutations_total",
		Help:      "Panel client mutations after retries.",
	}, []string{"op", "result"})
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		CycleDuration,
		AccountErrors,

		Accounts,
		StatusTransitions,
		TrafficBytes,

		FileWrites,
		Reloads,
		OrphansRemoved,

		PanelMutations,
	)
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
