// Package metrics holds the process's prometheus collectors and the
// /metrics HTTP handler. Collectors are package-level vars, registered on
// the default registry at init, the way small single-binary services in
// the pack expose them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InstancesByState is set (not incremented) each time the list
	// generator recomputes counts, one gauge value per state name.
	InstancesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fediverse_crawler",
		Name:      "instances_by_state",
		Help:      "Number of known instances currently in each lifecycle state.",
	}, []string{"state"})

	// InstancesDiscoveredTotal counts successful AddInstance inserts (i.e.
	// genuinely new peers, not repeats of an already-known hostname).
	InstancesDiscoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fediverse_crawler",
		Name:      "instances_discovered_total",
		Help:      "Total number of newly discovered peer instances.",
	})

	// ProbeVerdictsTotal counts verdicts applied to the store, by kind.
	ProbeVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fediverse_crawler",
		Name:      "probe_verdicts_total",
		Help:      "Total number of probe verdicts applied, by verdict kind.",
	}, []string{"verdict"})

	// PoolWorkers reports the pool's current live worker count.
	PoolWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fediverse_crawler",
		Name:      "pool_workers",
		Help:      "Current number of live worker goroutines in the checker pool.",
	})

	// ProbeDurationSeconds observes wall-clock time spent running one
	// checker subprocess end to end, including IPC read and reap.
	ProbeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fediverse_crawler",
		Name:      "probe_duration_seconds",
		Help:      "Time spent running one checker subprocess, from spawn to reap.",
		Buckets:   prometheus.DefBuckets,
	})

	// StoreBusyRetriesTotal counts SQLITE_BUSY retry attempts across all
	// RetryIndefinitely/RetryBounded callers.
	StoreBusyRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fediverse_crawler",
		Name:      "store_busy_retries_total",
		Help:      "Total number of SQLITE_BUSY retry attempts against the store.",
	})
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
