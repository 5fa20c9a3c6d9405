// Package metrics holds the prometheus collectors of the service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	TenantsOnboarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_tenants_onboarded_total",
			Help: "Tenants onboarded by storage driver.",
		},
		[]string{"driver"},
	)

	// DispatchOutcomes counts per-task results: sent, retried, failed, fallback, fallback_failed.
	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_dispatch_tasks_total",
			Help: "Dispatched tasks by outcome.",
		},
		[]string{"outcome"},
	)

	DispatchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notify_dispatch_run_duration_seconds",
			Help:    "Duration of one dispatch run.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	JanitorDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_janitor_deleted_total",
			Help: "Terminal tasks removed by the retention sweep.",
		},
	)
)

// MustRegister registers every collector on reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		TenantsOnboarded,
		DispatchOutcomes,
		DispatchDurationSeconds,
		JanitorDeleted,
	)
}
