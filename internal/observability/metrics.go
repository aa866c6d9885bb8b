package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perforay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "perforay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perforay",
			Name:      "sessions_total",
			Help:      "Scan sessions by final state.",
		},
		[]string{"outcome"},
	)
	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "perforay",
			Name:      "session_duration_seconds",
			Help:      "Scan session duration in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perforay",
			Name:      "messages_sent_total",
			Help:      "Outbound session messages by type.",
		},
		[]string{"type"},
	)
	upgrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perforay",
			Subsystem: "http",
			Name:      "upgrades_total",
			Help:      "WebSocket upgrade attempts by route and outcome.",
		},
		[]string{"path", "outcome"},
	)
	storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perforay",
			Name:      "store_errors_total",
			Help:      "Result registration failures by backend.",
		},
		[]string{"backend"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, upgrades, sessions, sessionDuration, messagesSent, storeErrors)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSession(outcome string, duration time.Duration) {
	RegisterMetrics()
	sessions.WithLabelValues(outcome).Inc()
	sessionDuration.Observe(duration.Seconds())
}

func RecordMessageSent(msgType string) {
	RegisterMetrics()
	messagesSent.WithLabelValues(msgType).Inc()
}

func RecordStoreError(backend string) {
	RegisterMetrics()
	storeErrors.WithLabelValues(backend).Inc()
}

func RecordUpgrade(path, outcome string) {
	RegisterMetrics()
	upgrades.WithLabelValues(path, outcome).Inc()
}
