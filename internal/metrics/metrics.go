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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushgate_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_deliveries_total",
			Help: "Per-subscription delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushgate_dispatch_duration_seconds",
			Help:    "Whole-dispatch latency including fan-out and cleanup",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	subscriptionsCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_subscriptions_cleaned_total",
			Help: "Expired subscriptions removed after fan-out",
		},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_dispatches_total",
			Help: "Dispatch calls by result (ok, not_configured, store_error)",
		},
		[]string{"result"},
	)

	breakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_breaker_rejections_total",
			Help: "Sends rejected by an open per-host circuit breaker",
		},
		[]string{"host"},
	)

	queueMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushgate_queue_messages_in_flight",
			Help: "Dispatch jobs currently being processed from SQS",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"recipient_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDelivery records one per-subscription delivery outcome
func RecordDelivery(outcome string) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordDispatch records a whole dispatch call
func RecordDispatch(result string, duration time.Duration) {
	dispatchesTotal.WithLabelValues(result).Inc()
	dispatchDuration.Observe(duration.Seconds())
}

// RecordSubscriptionsCleaned records expired subscriptions removed
func RecordSubscriptionsCleaned(count int) {
	subscriptionsCleaned.Add(float64(count))
}

// RecordBreakerRejection records a fast-failed send for an open host breaker
func RecordBreakerRejection(host string) {
	breakerRejections.WithLabelValues(host).Inc()
}

// SetQueueMessagesInFlight sets the current in-flight job count
func SetQueueMessagesInFlight(count int) {
	queueMessagesInFlight.Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(recipientID string) {
	rateLimitRejections.WithLabelValues(recipientID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
