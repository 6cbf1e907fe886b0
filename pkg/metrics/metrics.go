package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Heartbeat metrics
	HeartbeatRegistrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cnapi_heartbeat_registry_size",
			Help: "Number of servers currently tracked in the in-process heartbeat registry",
		},
	)

	NewHeartbeatersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_new_heartbeaters_total",
			Help: "Total number of servers newly observed heartbeating to this instance",
		},
	)

	StaleHeartbeatersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_stale_heartbeaters_total",
			Help: "Total number of reconciler passes over servers whose heartbeat had gone stale",
		},
	)

	UsurpedHeartbeatersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_usurped_heartbeaters_total",
			Help: "Total number of servers another CNAPI instance took status ownership of",
		},
	)

	StatusPutAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_status_put_attempts_total",
			Help: "Total number of status row write attempts",
		},
	)

	StatusPutErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_status_put_errors_total",
			Help: "Total number of status row write errors",
		},
	)

	StatusPutEtagConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_status_put_etag_conflicts_total",
			Help: "Total number of status row writes lost to a concurrent writer",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cnapi_reconcile_duration_seconds",
			Help:    "Duration of one heartbeat reconciler pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Fleet state gauges, refreshed by the Collector
	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cnapi_servers_total",
			Help: "Total number of servers by status",
		},
		[]string{"status"},
	)

	TicketsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cnapi_waitlist_tickets_total",
			Help: "Total number of waitlist tickets by status",
		},
		[]string{"status"},
	)

	// Waitlist metrics
	TicketsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_waitlist_tickets_created_total",
			Help: "Total number of waitlist tickets created",
		},
	)

	TicketsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_waitlist_tickets_expired_total",
			Help: "Total number of waitlist tickets expired by the director",
		},
	)

	// Task dispatch metrics
	TasksDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to compute node agents",
		},
	)

	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_tasks_completed_total",
			Help: "Total number of dispatched tasks that completed",
		},
	)

	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_tasks_failed_total",
			Help: "Total number of dispatched tasks that failed",
		},
	)

	TaskWaitTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_task_wait_timeouts_total",
			Help: "Total number of task waits that timed out before completion",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnapi_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cnapi_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(HeartbeatRegistrySize)
	prometheus.MustRegister(NewHeartbeatersTotal)
	prometheus.MustRegister(StaleHeartbeatersTotal)
	prometheus.MustRegister(UsurpedHeartbeatersTotal)
	prometheus.MustRegister(StatusPutAttemptsTotal)
	prometheus.MustRegister(StatusPutErrorsTotal)
	prometheus.MustRegister(StatusPutEtagConflictsTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(TicketsTotal)
	prometheus.MustRegister(TicketsCreatedTotal)
	prometheus.MustRegister(TicketsExpiredTotal)
	prometheus.MustRegister(TasksDispatchedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TaskWaitTimeoutsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
