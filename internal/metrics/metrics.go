// Package metrics exposes Prometheus instrumentation for the relay's
// HTTP surface and domain events: sessions, alerts, pushes, rate
// limiting, and connection counts.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "http_in_flight_requests",
		Help:      "Current number of in-flight HTTP requests",
	})

	// WSConnections tracks live sockets by role (producer/consumer/unauth).
	WSConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "ws_connections",
		Help:      "Current number of live WebSocket connections by role",
	}, []string{"role"})

	// SessionsActive tracks sessions currently in the active state.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "sessions_active",
		Help:      "Current number of sessions in the active state",
	})

	// HeartbeatTimeouts counts watchdog timer firings.
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "heartbeat_timeouts_total",
		Help:      "Total number of heartbeat watchdog timeouts fired",
	})

	// AlertsStarted counts life-or-death ActiveAlert records created.
	AlertsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "alerts_started_total",
		Help:      "Total number of life-or-death alert loops started",
	})

	// AlertsAcknowledged counts ActiveAlert acknowledgements.
	AlertsAcknowledged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "alerts_acknowledged_total",
		Help:      "Total number of life-or-death alerts acknowledged",
	})

	// PushDeliveries counts per-device push outcomes by platform and result.
	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "push_deliveries_total",
		Help:      "Total number of push delivery attempts by platform and outcome",
	}, []string{"platform", "outcome"})

	// RateLimitRejections counts rejected messages by class.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "rate_limit_rejections_total",
		Help:      "Total number of messages rejected by the rate limiter, by class",
	}, []string{"class"})

	// HubConnections tracks live producer sockets per hub slug, alongside
	// the hub's own lifetime total-connections counter in the store.
	HubConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "hub_connections",
		Help:      "Current number of live producer connections by hub slug",
	}, []string{"hub_slug"})
)

// ObservePush records a single push.Outcome into PushDeliveries.
func ObservePush(platform string, delivered bool) {
	outcome := "success"
	if !delivered {
		outcome = "failure"
	}
	PushDeliveries.WithLabelValues(platform, outcome).Inc()
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("relay metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records HTTP request metrics. WebSocket upgrades hijack
// the connection before WriteHeader is observed meaningfully, so the
// router registers WSConnections directly instead of going through
// this middleware.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": strconv.Itoa(rec.status),
		}
		httpRequests.With(labels).Inc()
		httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
