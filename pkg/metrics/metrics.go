// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal tracks finished turns by outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_turns_total",
			Help: "Total chat turns by outcome",
		},
		[]string{"outcome"},
	)

	// TurnDuration tracks the wall time of a turn from send to outcome.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatstream_turn_duration_seconds",
			Help:    "Chat turn duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// EventsTotal tracks decoded stream events by kind.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_events_total",
			Help: "Total decoded stream events",
		},
		[]string{"kind"},
	)

	// DecodeErrorsTotal tracks dropped malformed records.
	DecodeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatstream_decode_errors_total",
			Help: "Total stream records dropped as malformed",
		},
	)

	// BytesReceived tracks response bytes read per transport.
	BytesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_bytes_received_total",
			Help: "Total stream bytes received",
		},
		[]string{"transport"},
	)

	// ActiveStreams tracks in-flight streaming turns.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatstream_active_streams",
			Help: "Number of in-flight streaming turns",
		},
	)

	// BatchFlushes tracks coalesced-lane flushes.
	BatchFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatstream_batch_flushes_total",
			Help: "Total coalesced event batch flushes",
		},
	)

	// RequestDuration tracks HTTP request duration on the replay server.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests on the replay server.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SSEConnectionsActive tracks active replay streams.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SessionsTotal tracks chat sessions created on the replay server.
	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_total",
			Help: "Total chat sessions created",
		},
	)
)

// RecordTurn records metrics for a finished turn.
func RecordTurn(outcome string, duration float64) {
	TurnsTotal.WithLabelValues(outcome).Inc()
	TurnDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordEvent counts a decoded event.
func RecordEvent(kind string) {
	EventsTotal.WithLabelValues(kind).Inc()
}

// RecordDecodeError counts a dropped record.
func RecordDecodeError() {
	DecodeErrorsTotal.Inc()
}

// RecordBytes counts bytes read from a transport.
func RecordBytes(transport string, n int) {
	BytesReceived.WithLabelValues(transport).Add(float64(n))
}

// RecordBatchFlush counts a coalesced flush.
func RecordBatchFlush() {
	BatchFlushes.Inc()
}

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
