// Package metrics exposes the runtime's Prometheus collectors.
//
// Collectors are package-level and always updated; they become visible once
// Register has been called with a registry (the serve command uses the default one).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highway_invocations_total",
			Help: "Completed invocations by role, operation and result code",
		},
		[]string{"role", "operation", "code"},
	)

	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "highway_invocation_duration_seconds",
			Help:    "Invocation latency from creation to completion",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"role", "operation"},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "highway_pending_requests",
			Help: "Requests waiting for a reply across all sessions",
		},
	)

	timeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "highway_timeouts_total",
			Help: "Pending requests failed by the timeout sweep",
		},
	)

	defectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highway_filter_chain_defects_total",
			Help: "Programming errors detected by the filter chain",
		},
		[]string{"kind"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "highway_sessions_active",
			Help: "Open connection sessions",
		},
	)
)

// Register registers all runtime collectors with r.
func Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		invocationsTotal, invocationDuration, pendingRequests, timeoutsTotal, defectsTotal, sessionsActive,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// InvocationDone records one completed invocation.
func InvocationDone(role, operation, code string, elapsed time.Duration) {
	if code == "" {
		code = "OK"
	}
	invocationsTotal.WithLabelValues(role, operation, code).Inc()
	invocationDuration.WithLabelValues(role, operation).Observe(elapsed.Seconds())
}

func PendingInc() { pendingRequests.Inc() }

func PendingDec() { pendingRequests.Dec() }

func TimeoutSwept() { timeoutsTotal.Inc() }

// Defect counts a filter chain defect of the given kind (e.g. "double_next", "double_complete").
func Defect(kind string) { defectsTotal.WithLabelValues(kind).Inc() }

func SessionOpened() { sessionsActive.Inc() }

func SessionClosed() { sessionsActive.Dec() }
