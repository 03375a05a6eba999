package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	envelopesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robotlink",
			Subsystem: "envelope",
			Name:      "sent_total",
			Help:      "Down envelopes written to a channel.",
		},
		[]string{"channel", "kind"},
	)
	envelopesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robotlink",
			Subsystem: "envelope",
			Name:      "received_total",
			Help:      "Up envelopes accepted from a channel.",
		},
		[]string{"channel"},
	)
	envelopeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robotlink",
			Subsystem: "envelope",
			Name:      "errors_total",
			Help:      "Inbound envelopes rejected by decode or version gate.",
		},
		[]string{"channel", "reason"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robotlink",
			Subsystem: "frame",
			Name:      "parse_errors_total",
			Help:      "Low-latency stream resynchronizations.",
		},
		[]string{"reason"},
	)
	sendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robotlink",
			Subsystem: "channel",
			Name:      "send_errors_total",
			Help:      "Failed channel writes.",
		},
		[]string{"channel"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "robotlink",
			Subsystem: "session",
			Name:      "handshake_duration_seconds",
			Help:      "Session handshake stage duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "success"},
	)
	controlTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robotlink",
			Subsystem: "control",
			Name:      "ticks_total",
			Help:      "Control loop periods by outcome.",
		},
		[]string{"outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robotlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"robot", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "robotlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"robot", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			envelopesSent,
			envelopesReceived,
			envelopeErrors,
			frameErrors,
			sendErrors,
			handshakeDuration,
			controlTicks,
			httpRequests,
			httpDuration,
		)
	})
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordEnvelopeSent(channel, kind string) {
	RegisterMetrics()
	envelopesSent.WithLabelValues(channel, kind).Inc()
}

func RecordEnvelopeReceived(channel string) {
	RegisterMetrics()
	envelopesReceived.WithLabelValues(channel).Inc()
}

func RecordEnvelopeError(channel, reason string) {
	RegisterMetrics()
	envelopeErrors.WithLabelValues(channel, reason).Inc()
}

func RecordFrameError(reason string) {
	RegisterMetrics()
	frameErrors.WithLabelValues(reason).Inc()
}

func RecordSendError(channel string) {
	RegisterMetrics()
	sendErrors.WithLabelValues(channel).Inc()
}

func RecordHandshake(stage string, duration time.Duration, success bool) {
	RegisterMetrics()
	handshakeDuration.WithLabelValues(stage, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func RecordControlTick(outcome string) {
	RegisterMetrics()
	controlTicks.WithLabelValues(outcome).Inc()
}

func RecordHTTPRequest(robot, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(robot, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(robot, method, path, statusLabel).Observe(duration.Seconds())
}
