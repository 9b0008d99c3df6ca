// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus Metrics Integration for Production Observability
// This package instruments the four surfaces an operator needs a signal
// from to tell a healthy fabric from a stuck one:
// - API endpoint latency, throughput, and rate-limit rejections
// - WorkerPool queue depth, per-thread job counts, and panics
// - SubsystemRegistry flag state and observer fan-out transitions
// - ConnectionManager channel counts and message throughput

var (
	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// WorkerPool Metrics (C1)
	WorkerPoolJobsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workerpool_jobs_dispatched_total",
			Help: "Total number of jobs dispatched by the worker pool, by charged callsign",
		},
		[]string{"callsign"},
	)

	WorkerPoolJobPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workerpool_job_panics_total",
			Help: "Total number of worker pool jobs that panicked and were recovered",
		},
		[]string{"callsign"},
	)

	WorkerPoolPendingJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workerpool_pending_jobs",
			Help: "Jobs waiting in the worker pool's ready queue or timer heap, as of the last Metadata snapshot",
		},
	)

	WorkerPoolThreadRunCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workerpool_thread_run_count",
			Help: "Cumulative jobs run by each worker thread, as of the last Metadata snapshot",
		},
		[]string{"thread"},
	)

	// SubsystemRegistry Metrics (C2)
	SubsystemFlagActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subsystem_flag_active",
			Help: "Current active/inactive state (1/0) of each subsystem flag",
		},
		[]string{"flag"},
	)

	SubsystemTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsystem_transitions_total",
			Help: "Total number of edge-triggered subsystem flag transitions",
		},
		[]string{"flag", "direction"}, // direction: "set" or "clear"
	)

	SubsystemObserverDispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subsystem_observer_dispatch_duration_seconds",
			Help:    "Duration of one Updated() fan-out across all registered observers",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Channel Metrics (transport layer)
	ChannelConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "channel_connections_active",
			Help: "Current number of open WebSocket channels",
		},
	)

	ChannelMessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_messages_received_total",
			Help: "Total number of messages received over a channel, by protocol",
		},
		[]string{"protocol"},
	)

	ChannelMessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_messages_sent_total",
			Help: "Total number of messages written to a channel, by protocol",
		},
		[]string{"protocol"},
	)

	ChannelReadErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "channel_read_errors_total",
			Help: "Total number of unexpected WebSocket read errors",
		},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application information",
		},
		[]string{"version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordAPIRequest records an API request's outcome and latency.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the in-flight API request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordRateLimitHit records a request rejected by the per-route rate limiter.
func RecordRateLimitHit(endpoint string) {
	APIRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordWorkerPoolDispatch records one job dispatched for callsign.
func RecordWorkerPoolDispatch(callsign string) {
	WorkerPoolJobsDispatched.WithLabelValues(callsign).Inc()
}

// RecordWorkerPoolPanic records a job panic recovered for callsign.
func RecordWorkerPoolPanic(callsign string) {
	WorkerPoolJobPanics.WithLabelValues(callsign).Inc()
}

// UpdateWorkerPoolGauges refreshes the pending-job gauge and each thread's
// cumulative run count from a Pool.Metadata() snapshot.
func UpdateWorkerPoolGauges(pending int, threadRunCounts []uint64) {
	WorkerPoolPendingJobs.Set(float64(pending))
	for i, count := range threadRunCounts {
		WorkerPoolThreadRunCount.WithLabelValues(strconv.Itoa(i)).Set(float64(count))
	}
}

// SetSubsystemFlagActive records flag's current active state as 1 or 0.
func SetSubsystemFlagActive(flag string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	SubsystemFlagActive.WithLabelValues(flag).Set(value)
}

// RecordSubsystemTransition records an edge-triggered Set or Clear on flag.
func RecordSubsystemTransition(flag string, active bool) {
	direction := "clear"
	if active {
		direction = "set"
	}
	SubsystemTransitionsTotal.WithLabelValues(flag, direction).Inc()
}

// RecordSubsystemDispatchDuration records how long one Updated() fan-out
// across all observers of a flag transition took.
func RecordSubsystemDispatchDuration(duration time.Duration) {
	SubsystemObserverDispatchDuration.Observe(duration.Seconds())
}

// TrackChannelConnection increments or decrements the open-channel gauge.
func TrackChannelConnection(inc bool) {
	if inc {
		ChannelConnectionsActive.Inc()
	} else {
		ChannelConnectionsActive.Dec()
	}
}

// RecordChannelMessageReceived records one inbound message for protocol.
func RecordChannelMessageReceived(protocol string) {
	ChannelMessagesReceivedTotal.WithLabelValues(protocol).Inc()
}

// RecordChannelMessageSent records one outbound message for protocol.
func RecordChannelMessageSent(protocol string) {
	ChannelMessagesSentTotal.WithLabelValues(protocol).Inc()
}

// RecordChannelReadError records an unexpected WebSocket read failure.
func RecordChannelReadError() {
	ChannelReadErrorsTotal.Inc()
}

// SetAppInfo records static application version information.
func SetAppInfo(version string) {
	AppInfo.WithLabelValues(version).Set(1)
}

// UpdateUptime records the application's uptime in seconds.
func UpdateUptime(seconds float64) {
	AppUptime.Set(seconds)
}
