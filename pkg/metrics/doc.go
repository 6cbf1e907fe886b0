/*
Package metrics provides Prometheus instrumentation and health
reporting for CNAPI.

All metrics live in the cnapi_* namespace and are registered at
package init, so importing any instrumented package is enough to make
its series appear on /metrics. Three groups exist:

  - Event counters incremented inline by the heartbeat reconciler,
    waitlist, task dispatcher, and API layer (for example
    cnapi_new_heartbeaters_total, cnapi_status_put_etag_conflicts_total,
    cnapi_task_wait_timeouts_total).
  - Fleet-state gauges (cnapi_servers_total, cnapi_waitlist_tickets_total)
    refreshed every 15s by the Collector, which scans the durable store
    rather than trusting in-process state.
  - API request counters and duration histograms recorded by the
    endpoint middleware.

The health checker tracks per-component health set via
RegisterComponent/UpdateComponent. /health reflects every registered
component; /ready requires the critical set (store, reconciler,
director) to have registered healthy; /live only proves the process is
up.
*/
package metrics
