package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Signaling Metrics
	signalsSentTotal        *prometheus.CounterVec
	signalsConsumedTotal    *prometheus.CounterVec
	plaintextCandidateTotal prometheus.Counter
	sessionKeysCached       prometheus.Gauge

	// Transport Metrics
	reconnectAttemptsTotal *prometheus.CounterVec
	peerSessionsActive     prometheus.Gauge

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	m := &Metrics{
		// HTTP Request Metrics
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: prometheus.Labels{"service": serviceName},
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),

		// Call Metrics
		callsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"type", "status"},
		),
		callsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of active calls",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		callsDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: prometheus.Labels{"service": serviceName},
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callsFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed calls",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"type", "reason"},
		),

		// Signaling Metrics
		signalsSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_signals_sent_total",
				Help:        "Total number of signaling messages published",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"type"},
		),
		signalsConsumedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_signals_consumed_total",
				Help:        "Total number of signaling messages consumed",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"type"},
		),
		plaintextCandidateTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_signals_plaintext_candidates_total",
				Help:        "Total number of ICE candidates sent without encryption",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		sessionKeysCached: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "call_session_keys_cached",
				Help:        "Number of call session keys currently cached",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),

		// Transport Metrics
		reconnectAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "peer_reconnect_attempts_total",
				Help:        "Total number of ICE restart attempts",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"remote_user"},
		),
		peerSessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "peer_sessions_active",
				Help:        "Number of open peer sessions",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),

		// Push Notification Metrics
		pushNotificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"type", "platform"},
		),
		pushNotificationsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"type", "platform", "reason"},
		),
	}

	return m
}

// GetRegistry returns the registry the metrics are registered with. All
// collectors in this process use the default registerer, including the
// circuit breaker counters, so the scrape endpoint serves everything.
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if registry, ok := prometheus.DefaultRegisterer.(*prometheus.Registry); ok {
		return registry
	}
	return nil
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// Call Metrics Methods

// RecordCall records a call status transition
func (m *Metrics) RecordCall(callType, status string) {
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

// SetActiveCalls sets the number of active calls
func (m *Metrics) SetActiveCalls(count int) {
	m.callsActive.Set(float64(count))
}

// RecordCallDuration records the duration of a call
func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordCallFailure records a failed call
func (m *Metrics) RecordCallFailure(callType, reason string) {
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// Signaling Metrics Methods

// RecordSignalSent records a published signaling message
func (m *Metrics) RecordSignalSent(signalType string) {
	m.signalsSentTotal.WithLabelValues(signalType).Inc()
}

// RecordSignalConsumed records a consumed signaling message
func (m *Metrics) RecordSignalConsumed(signalType string) {
	m.signalsConsumedTotal.WithLabelValues(signalType).Inc()
}

// RecordPlaintextCandidate records an ICE candidate sent unencrypted
func (m *Metrics) RecordPlaintextCandidate() {
	m.plaintextCandidateTotal.Inc()
}

// SetSessionKeysCached sets the size of the session key cache
func (m *Metrics) SetSessionKeysCached(count int) {
	m.sessionKeysCached.Set(float64(count))
}

// Transport Metrics Methods

// RecordReconnectAttempt records an ICE restart attempt
func (m *Metrics) RecordReconnectAttempt(remoteUserID string) {
	m.reconnectAttemptsTotal.WithLabelValues(remoteUserID).Inc()
}

// SetActivePeerSessions sets the number of open peer sessions
func (m *Metrics) SetActivePeerSessions(count int) {
	m.peerSessionsActive.Set(float64(count))
}

// Push Notification Metrics Methods

// RecordPushNotification records a push notification
func (m *Metrics) RecordPushNotification(notifType, platform string) {
	m.pushNotificationsTotal.WithLabelValues(notifType, platform).Inc()
}

// RecordPushNotificationFailure records a failed push notification
func (m *Metrics) RecordPushNotificationFailure(notifType, platform, reason string) {
	m.pushNotificationsFailed.WithLabelValues(notifType, platform, reason).Inc()
}
