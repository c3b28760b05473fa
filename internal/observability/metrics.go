package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	peersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "p2pnet",
			Subsystem: "node",
			Name:      "peers",
			Help:      "Live peers in the directory by direction.",
		},
		[]string{"node", "direction"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pnet",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Frames sent or received on peer links.",
		},
		[]string{"node", "direction"},
	)
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pnet",
			Subsystem: "link",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes sent or received on peer links.",
		},
		[]string{"node", "direction"},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pnet",
			Subsystem: "link",
			Name:      "handshake_failures_total",
			Help:      "Identity exchanges that failed before a peer was created.",
		},
		[]string{"node", "direction"},
	)
	sendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pnet",
			Subsystem: "link",
			Name:      "send_errors_total",
			Help:      "Frame writes that failed and were swallowed.",
		},
		[]string{"node"},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pnet",
			Subsystem: "node",
			Name:      "events_total",
			Help:      "Events dispatched to the node handler.",
		},
		[]string{"node", "kind"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pnet",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "p2pnet",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	authRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pnet",
			Subsystem: "admin",
			Name:      "auth_rejections_total",
			Help:      "Admin requests refused for a missing or wrong bearer token.",
		},
		[]string{"node", "path"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			peersGauge,
			framesTotal,
			bytesTotal,
			handshakeFailures,
			sendErrors,
			eventsTotal,
			httpRequests,
			httpDuration,
			authRejections,
		)
	})
}

func SetPeers(node, direction string, n int) {
	RegisterMetrics()
	peersGauge.WithLabelValues(node, direction).Set(float64(n))
}

// RecordFrame counts one frame; direction is "sent" or "received".
func RecordFrame(node, direction string, payloadBytes int) {
	RegisterMetrics()
	framesTotal.WithLabelValues(node, direction).Inc()
	bytesTotal.WithLabelValues(node, direction).Add(float64(payloadBytes))
}

func RecordHandshakeFailure(node, direction string) {
	RegisterMetrics()
	handshakeFailures.WithLabelValues(node, direction).Inc()
}

func RecordSendError(node string) {
	RegisterMetrics()
	sendErrors.WithLabelValues(node).Inc()
}

func RecordEvent(node, kind string) {
	RegisterMetrics()
	eventsTotal.WithLabelValues(node, kind).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordAuthRejection(node, path string) {
	RegisterMetrics()
	authRejections.WithLabelValues(node, path).Inc()
}
