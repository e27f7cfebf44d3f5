package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
	rowCountBuckets        = []float64{0, 1, 5, 10, 25, 50, 100, 250, 1000}
)

// Fetch outcomes recorded by RecordGridFetch.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics holds all Prometheus metric instruments.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Grid coordinator metrics
	GridFetchesTotal       *prometheus.CounterVec
	GridFetchDuration      *prometheus.HistogramVec
	GridRowsReturned       *prometheus.HistogramVec
	GridDedupHitsTotal     *prometheus.CounterVec
	GridStaleDiscardsTotal *prometheus.CounterVec

	// Session metrics
	SessionsActive       prometheus.Gauge
	SessionsCreatedTotal *prometheus.CounterVec
	SessionsClosedTotal  *prometheus.CounterVec

	// Backend metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec
	BackendThrottleWait        *prometheus.HistogramVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	GridsLoaded           prometheus.Gauge
	OpenAPIPathsIndexed   *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatagrid_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatagrid_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatagrid_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatagrid_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Grid
		GridFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatagrid_grid_fetches_total",
			Help: "Total number of completed grid fetches.",
		}, []string{"grid_id", "outcome"}),
		GridFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatagrid_grid_fetch_duration_seconds",
			Help:    "Grid fetch duration in seconds, including decoding.",
			Buckets: backendDurationBuckets,
		}, []string{"grid_id"}),
		GridRowsReturned: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatagrid_grid_rows_returned",
			Help:    "Number of rows in a successful grid fetch.",
			Buckets: rowCountBuckets,
		}, []string{"grid_id"}),
		GridDedupHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatagrid_grid_dedup_hits_total",
			Help: "Total number of reads skipped because the URL was already issued.",
		}, []string{"grid_id"}),
		GridStaleDiscardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatagrid_grid_stale_discards_total",
			Help: "Total number of responses discarded because a newer fetch was issued.",
		}, []string{"grid_id"}),

		// Sessions
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "odatagrid_sessions_active",
			Help: "Number of live grid sessions.",
		}),
		SessionsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatagrid_sessions_created_total",
			Help: "Total number of grid sessions created.",
		}, []string{"grid_id"}),
		SessionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatagrid_sessions_closed_total",
			Help: "Total number of grid sessions closed.",
		}, []string{"reason"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatagrid_backend_requests_total",
			Help: "Total number of OData backend requests.",
		}, []string{"service_id", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatagrid_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service_id"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odatagrid_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service_id"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatagrid_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"service_id"}),
		BackendThrottleWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatagrid_backend_throttle_wait_seconds",
			Help:    "Time spent waiting on the outbound rate limiter.",
			Buckets: backendDurationBuckets,
		}, []string{"service_id"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatagrid_definition_reload_total",
			Help: "Total definition loads.",
		}, []string{"status"}),
		GridsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "odatagrid_grids_loaded",
			Help: "Number of loaded grid definitions.",
		}),
		OpenAPIPathsIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odatagrid_openapi_paths_indexed",
			Help: "Number of indexed OpenAPI collection paths.",
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Grid
		m.GridFetchesTotal,
		m.GridFetchDuration,
		m.GridRowsReturned,
		m.GridDedupHitsTotal,
		m.GridStaleDiscardsTotal,
		// Sessions
		m.SessionsActive,
		m.SessionsCreatedTotal,
		m.SessionsClosedTotal,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.BackendThrottleWait,
		// System
		m.DefinitionReloadTotal,
		m.GridsLoaded,
		m.OpenAPIPathsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordGridFetch records a completed grid fetch. rows is only observed for
// successful fetches.
func (m *Metrics) RecordGridFetch(gridID, outcome string, rows int, duration time.Duration) {
	m.GridFetchesTotal.WithLabelValues(gridID, outcome).Inc()
	m.GridFetchDuration.WithLabelValues(gridID).Observe(duration.Seconds())
	if outcome == OutcomeSuccess {
		m.GridRowsReturned.WithLabelValues(gridID).Observe(float64(rows))
	}
}

// RecordGridDedup records a read skipped because its URL was already issued.
func (m *Metrics) RecordGridDedup(gridID string) {
	m.GridDedupHitsTotal.WithLabelValues(gridID).Inc()
}

// RecordGridStale records a response discarded in favour of a newer fetch.
func (m *Metrics) RecordGridStale(gridID string) {
	m.GridStaleDiscardsTotal.WithLabelValues(gridID).Inc()
}

// RecordSessionCreated records a new grid session.
func (m *Metrics) RecordSessionCreated(gridID string) {
	m.SessionsCreatedTotal.WithLabelValues(gridID).Inc()
	m.SessionsActive.Inc()
}

// RecordSessionClosed records a closed session. Reason is "closed",
// "expired" or "shutdown".
func (m *Metrics) RecordSessionClosed(reason string) {
	m.SessionsClosedTotal.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
}

// RecordBackendRequest records an OData backend request. Status 0 means the
// request failed before a response was received.
func (m *Metrics) RecordBackendRequest(serviceID string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(serviceID, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(serviceID string) {
	m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
}

// RecordBackendThrottle records time spent waiting for a rate limiter token.
func (m *Metrics) RecordBackendThrottle(serviceID string, wait time.Duration) {
	m.BackendThrottleWait.WithLabelValues(serviceID).Observe(wait.Seconds())
}

// RecordDefinitionReload records a definition load.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetGridsLoaded sets the number of loaded grid definitions.
func (m *Metrics) SetGridsLoaded(count float64) {
	m.GridsLoaded.Set(count)
}

// SetOpenAPIPathsIndexed sets the number of indexed OpenAPI paths.
func (m *Metrics) SetOpenAPIPathsIndexed(serviceID string, count float64) {
	m.OpenAPIPathsIndexed.WithLabelValues(serviceID).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a metrics handler serving a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush lets Server-Sent Event handlers stream through the wrapper.
func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
