package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket metrics
	WebSocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "e2ee_relay_websocket_connections",
			Help: "Number of active WebSocket connections on this relay node",
		},
		[]string{"server_id"},
	)

	RelayEnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_relay_envelopes_total",
			Help: "Total number of opaque message envelopes relayed",
		},
		[]string{"direction"}, // inbound, outbound
	)

	RelayDeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "e2ee_relay_delivery_latency_seconds",
			Help:    "Envelope delivery latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"delivery_type"}, // immediate, offline
	)

	// HTTP metrics, shared by the prekey repository and relay HTTP surfaces.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "e2ee_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Prekey repository metrics
	OneTimePrekeysRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "e2ee_onetime_prekeys_remaining",
			Help: "Number of unconsumed one-time prekeys per user",
		},
		[]string{"user_id"},
	)

	PrekeyUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_prekey_uploads_total",
			Help: "Total number of prekey bundle uploads by result",
		},
		[]string{"result"}, // accepted, rejected
	)

	PrekeyBundleFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_prekey_bundle_fetches_total",
			Help: "Total number of prekey bundle fetches",
		},
		[]string{"result"}, // served, no_onetime, not_found
	)

	// Rate limiting metrics
	RateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_rate_limit_hits_total",
			Help: "Total number of requests rejected for exceeding a rate limit",
		},
		[]string{"limiter"},
	)

	// Offline inbox metrics
	OfflineEnvelopesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_offline_envelopes_queued_total",
			Help: "Total number of envelopes queued for offline recipients",
		},
	)

	OfflineEnvelopesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_offline_envelopes_delivered_total",
			Help: "Total number of queued envelopes delivered on reconnect",
		},
	)
)

// MetricsMiddleware wraps HTTP handlers with request count/latency metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDeliveryLatency records envelope delivery latency.
func RecordDeliveryLatency(deliveryType string, latency time.Duration) {
	RelayDeliveryLatency.WithLabelValues(deliveryType).Observe(latency.Seconds())
}
