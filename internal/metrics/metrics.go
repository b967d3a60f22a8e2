// ABOUTME: Prometheus metrics for the gateway: HTTP, realtime, queue, bus and ingress counters
// ABOUTME: Registered on the default registry via promauto and exposed with Handler

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

var (
	// Request counters
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route"},
	)

	// Realtime connections currently open
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connections_active",
			Help:      "Open WebSocket connections",
		},
	)

	// Realtime operations by event name and outcome
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "operations_total",
			Help:      "Realtime client operations by event and result code",
		},
		[]string{"event", "result"},
	)

	// Outbound frames dropped because a connection's send queue was full
	OutboundDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "outbound_dropped_total",
			Help:      "Frames dropped for slow WebSocket consumers",
		},
	)

	// Messages persisted by sender kind
	MessagesSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "messages_saved_total",
			Help:      "Messages persisted by sender kind",
		},
		[]string{"sender_kind"},
	)

	// Duplicate sends absorbed by the client message id cache
	DuplicateSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "duplicate_sends_total",
			Help:      "Sends acknowledged from the idempotency cache",
		},
	)

	// Message updates retried after losing a revision race
	MessageUpdateRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "message_update_retries_total",
			Help:      "Message updates reapplied after a concurrent write",
		},
	)

	// Conversation state transitions
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "transitions_total",
			Help:      "Conversation transitions by event and result",
		},
		[]string{"event", "result"},
	)

	// Queue renumbering passes
	Reorganizations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "reorganizations_total",
			Help:      "Queue renumbering passes",
		},
	)

	BusEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published on the local bus",
		},
		[]string{"topic"},
	)

	BusEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events dropped for slow bus subscribers",
		},
		[]string{"topic"},
	)

	// Events relayed through Redis, by direction (in/out)
	BridgeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "bridge_events_total",
			Help:      "Events relayed through the Redis bridge",
		},
		[]string{"direction"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request
func RecordRequest(method, route string, status int, duration time.Duration) {
	RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOperation records the outcome of a realtime operation. result is
// "ok" or an error code.
func RecordOperation(event, result string) {
	OperationsTotal.WithLabelValues(event, result).Inc()
}

// RecordTransition records a conversation state transition attempt.
func RecordTransition(event string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	TransitionsTotal.WithLabelValues(event, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer (hijacking for WebSocket upgrades).
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware records request count and latency labelled with route.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		RecordRequest(r.Method, route, rec.status, time.Since(start))
	})
}
