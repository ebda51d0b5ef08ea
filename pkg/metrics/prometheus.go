package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Signaling Metrics
	signalingRelayedTotal *prometheus.CounterVec
	signalingDroppedTotal *prometheus.CounterVec

	// Call Metrics
	callsActive          prometheus.Gauge
	callsCompletedTotal  prometheus.Counter
	callDurationMinutes  prometheus.Histogram
	callStoreWriteErrors *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on a dedicated
// registry so repeated construction (tests, embedded use) never collides
// with the global default registry
func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of live signaling WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages by direction and type",
				ConstLabels: labels,
			},
			[]string{"direction", "type"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		signalingRelayedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_relayed_total",
				Help:        "Total number of signaling messages relayed to peers",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		signalingDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_dropped_total",
				Help:        "Total number of signaling messages dropped before relay",
				ConstLabels: labels,
			},
			[]string{"type", "reason"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of rooms currently holding participants",
				ConstLabels: labels,
			},
		),
		callsCompletedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "calls_completed_total",
				Help:        "Total number of calls finalized as completed",
				ConstLabels: labels,
			},
		),
		callDurationMinutes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "call_duration_minutes",
				Help:        "Completed call duration in minutes",
				ConstLabels: labels,
				Buckets:     []float64{1, 5, 10, 15, 30, 45, 60, 90, 120},
			},
		),
		callStoreWriteErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_store_write_errors_total",
				Help:        "Total number of durable call record write failures",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
	}
}

// RecordHTTPRequest records metrics for a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight request gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight request gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// WebSocketConnected records a new signaling connection
func (m *Metrics) WebSocketConnected() {
	m.websocketConnections.Inc()
}

// WebSocketDisconnected records a closed signaling connection
func (m *Metrics) WebSocketDisconnected() {
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records an inbound or outbound message
func (m *Metrics) RecordWebSocketMessage(direction, msgType string) {
	m.websocketMessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// RecordWebSocketError records a WebSocket-level error
func (m *Metrics) RecordWebSocketError(reason string) {
	m.websocketErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordSignalingRelayed records a signaling message forwarded to peers
func (m *Metrics) RecordSignalingRelayed(msgType string) {
	m.signalingRelayedTotal.WithLabelValues(msgType).Inc()
}

// RecordSignalingDropped records a signaling message rejected before relay
func (m *Metrics) RecordSignalingDropped(msgType, reason string) {
	m.signalingDroppedTotal.WithLabelValues(msgType, reason).Inc()
}

// RoomOpened records a new live room
func (m *Metrics) RoomOpened() {
	m.callsActive.Inc()
}

// RoomClosed records a room garbage-collected after emptying
func (m *Metrics) RoomClosed() {
	m.callsActive.Dec()
}

// RecordCallCompleted records a finalized call and its duration
func (m *Metrics) RecordCallCompleted(durationMinutes int) {
	m.callsCompletedTotal.Inc()
	m.callDurationMinutes.Observe(float64(durationMinutes))
}

// RecordCallStoreWriteError records a durable store write failure
func (m *Metrics) RecordCallStoreWriteError(operation string) {
	m.callStoreWriteErrors.WithLabelValues(operation).Inc()
}

// GetRegistry exposes the registry for the metrics HTTP handler
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}
