package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Identity resolution
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec

	// Provider operations
	SignInsTotal        *prometheus.CounterVec
	ProviderErrorsTotal *prometheus.CounterVec
	LogoutsTotal        *prometheus.CounterVec

	// Client registry
	ActiveClients        prometheus.Gauge
	ClientEvictionsTotal prometheus.Counter

	// Grant expiry sweep
	GrantSweepsTotal   prometheus.Counter
	GrantSweepDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionbridge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionbridge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionbridge_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionbridge_resolutions_total",
				Help: "Identity resolutions by resulting phase",
			},
			[]string{"phase"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionbridge_resolution_duration_seconds",
				Help:    "Time from resolution start to a settled state",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"phase"},
		),

		SignInsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionbridge_sign_ins_total",
				Help: "Provider sign-in operations by outcome",
			},
			[]string{"operation", "status"},
		),
		ProviderErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionbridge_provider_errors_total",
				Help: "Provider failures by error code",
			},
			[]string{"operation", "code"},
		),
		LogoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionbridge_logouts_total",
				Help: "Logouts by authentication method",
			},
			[]string{"method"},
		),

		ActiveClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionbridge_active_clients",
				Help: "Browser clients with a live session context",
			},
		),
		ClientEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionbridge_client_evictions_total",
				Help: "Client contexts disposed by the registry",
			},
		),

		GrantSweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionbridge_grant_sweeps_total",
				Help: "Provider grant expiry sweeps run",
			},
		),
		GrantSweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sessionbridge_grant_sweep_duration_seconds",
				Help:    "Provider grant expiry sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.SignInsTotal,
		m.ProviderErrorsTotal,
		m.LogoutsTotal,
		m.ActiveClients,
		m.ClientEvictionsTotal,
		m.GrantSweepsTotal,
		m.GrantSweepDuration,
	)

	return m
}

// RecordResolution counts a settled resolution
func (m *Metrics) RecordResolution(phase string, duration time.Duration) {
	m.ResolutionsTotal.WithLabelValues(phase).Inc()
	m.ResolutionDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordSignIn counts a provider operation. An empty code means success.
func (m *Metrics) RecordSignIn(operation, code string) {
	if code == "" {
		m.SignInsTotal.WithLabelValues(operation, "success").Inc()
		return
	}
	m.SignInsTotal.WithLabelValues(operation, "failure").Inc()
	m.ProviderErrorsTotal.WithLabelValues(operation, code).Inc()
}

// RecordLogout counts a logout
func (m *Metrics) RecordLogout(method string) {
	m.LogoutsTotal.WithLabelValues(method).Inc()
}

// RecordSweep times one grant expiry sweep
func (m *Metrics) RecordSweep(duration time.Duration) {
	m.GrantSweepsTotal.Inc()
	m.GrantSweepDuration.Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by route template so client ids never reach a label.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
