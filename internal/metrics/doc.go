// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package metrics provides Prometheus metrics collection and export for the
fabric's observability surface.

# Overview

The package instruments four surfaces:

  - API: request latency, throughput, and rate-limit rejections on the
    ConnectionManager's HTTP front door.
  - WorkerPool (C1): jobs dispatched and panicked per callsign, plus
    per-thread run counts and queue depth sampled from Metadata().
  - SubsystemRegistry (C2): per-flag active state and edge-triggered
    set/clear transitions, plus observer fan-out latency.
  - Channel (C7/C8): open connection count and message throughput per
    WebSocket protocol.

# Registration

Every collector is registered with the default Prometheus registry through
promauto. No HTTP handler in this repository serves that registry: the
fabric mounts no /metrics route, so the metrics are not exposed over HTTP.

# Available Metrics

API Metrics:
  - api_requests_total: Total API requests (counter)
    Labels: method, endpoint, status_code
  - api_request_duration_seconds: Request latency (histogram)
    Labels: method, endpoint
  - api_active_requests: In-flight requests (gauge)
  - api_rate_limit_hits_total: Requests rejected by the rate limiter (counter)
    Labels: endpoint

WorkerPool Metrics:
  - workerpool_jobs_dispatched_total: Jobs dispatched (counter)
    Labels: callsign
  - workerpool_job_panics_total: Jobs that panicked and were recovered (counter)
    Labels: callsign
  - workerpool_pending_jobs: Jobs waiting in the queue or timer heap (gauge)
  - workerpool_thread_run_count: Cumulative jobs run per worker thread (gauge)
    Labels: thread

SubsystemRegistry Metrics:
  - subsystem_flag_active: Current flag state, 1 or 0 (gauge)
    Labels: flag
  - subsystem_transitions_total: Edge-triggered Set/Clear calls (counter)
    Labels: flag, direction
  - subsystem_observer_dispatch_duration_seconds: Updated() fan-out latency (histogram)

Channel Metrics:
  - channel_connections_active: Open WebSocket channels (gauge)
  - channel_messages_received_total: Inbound messages (counter)
    Labels: protocol
  - channel_messages_sent_total: Outbound messages (counter)
    Labels: protocol
  - channel_read_errors_total: Unexpected read failures (counter)

System Metrics:
  - app_info: Static build version (gauge)
    Labels: version
  - app_uptime_seconds: Process uptime (gauge)

# Usage Example

	import "github.com/tomtom215/pluginhost/internal/metrics"

	metrics.RecordAPIRequest("GET", "/pluginhost/1/Controller.1", "200", elapsed)
	metrics.RecordWorkerPoolDispatch("Echo")
	metrics.SetSubsystemFlagActive("Network", true)
	metrics.TrackChannelConnection(true)

# Example PromQL queries

	# API request rate
	rate(api_requests_total[5m])

	# WorkerPool dispatch rate by callsign
	sum by (callsign) (rate(workerpool_jobs_dispatched_total[5m]))

	# Subsystem flip rate
	rate(subsystem_transitions_total[5m])

# Thread Safety

All metric recording functions are thread-safe: they only call into the
Prometheus client library, which handles its own synchronization.

# See Also

  - internal/middleware: HTTP middleware wiring api_* metrics
  - internal/workerpool: WorkerPool dispatch/metadata wiring
  - internal/subsystem: SubsystemRegistry Set/Clear/notify wiring
  - internal/channel: ConnectionManager register/forget/readPump/writePump wiring
  - https://prometheus.io/docs/practices/naming/: Metric naming conventions
*/
package metrics
