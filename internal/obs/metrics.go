package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready to serve.",
	})
)

// Domain metrics.
var (
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Permission decisions by outcome.",
		},
		[]string{"decision"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actions_total",
			Help: "Moderation actions by kind and terminal state.",
		},
		[]string{"kind", "state"},
	)

	dispatchAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "action_dispatch_attempts_total",
		Help: "Executor dispatch attempts, including retries.",
	})
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		authzDecisions, actionsTotal, dispatchAttempts,
	)
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveDecision counts one permission decision.
func ObserveDecision(allowed bool) {
	if allowed {
		authzDecisions.WithLabelValues("allowed").Inc()
		return
	}
	authzDecisions.WithLabelValues("denied").Inc()
}

// ObserveAction counts one action reaching a terminal state.
func ObserveAction(kind, state string) {
	actionsTotal.WithLabelValues(kind, state).Inc()
}

// ObserveDispatchAttempt counts one executor invocation.
func ObserveDispatchAttempt() {
	dispatchAttempts.Inc()
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath collapses resource identifiers in URL paths so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	for _, prefix := range []struct{ base, label string }{
		{"/v1/actions/", "/v1/actions/:key"},
		{"/v1/users/", "/v1/users/:id"},
		{"/v1/groups/", "/v1/groups/:id"},
	} {
		if !strings.HasPrefix(path, prefix.base) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix.base)
		if rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			// Keep a single trailing verb segment (e.g. /role, /deactivate).
			suffix := rest[i:]
			if strings.Count(suffix, "/") == 1 {
				return prefix.label + suffix
			}
			return path
		}
		return prefix.label
	}
	return path
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labelling. Flush and Unwrap
// are forwarded so streaming responses (SSE) keep working under the wrapper.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
