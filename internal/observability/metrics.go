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
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sweepDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Flow lifecycle metrics
	FlowCreationsTotal   *prometheus.CounterVec
	FlowCompletionsTotal *prometheus.CounterVec
	FlowsActive          *prometheus.GaugeVec
	DeletionsTotal       *prometheus.CounterVec

	// Phase progression metrics
	PhaseReportsTotal  *prometheus.CounterVec
	PhaseDuration      *prometheus.HistogramVec
	InterceptionsTotal *prometheus.CounterVec

	// Consistency metrics
	ValidationsTotal *prometheus.CounterVec
	FindingsTotal    *prometheus.CounterVec
	RecoveriesTotal  *prometheus.CounterVec
	SweepsTotal      *prometheus.CounterVec
	SweepDuration    prometheus.Histogram

	// System metrics
	GraphsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waypoint_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waypoint_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waypoint_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Flow lifecycle
		FlowCreationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_flow_creations_total",
			Help: "Total number of flows created.",
		}, []string{"flow_type"}),
		FlowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_flow_completions_total",
			Help: "Total number of flows reaching a terminal status.",
		}, []string{"flow_type", "final_status"}),
		FlowsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "waypoint_flows_active",
			Help: "Number of flows currently in a non-terminal status.",
		}, []string{"flow_type"}),
		DeletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_flow_deletions_total",
			Help: "Total number of flow deletion attempts.",
		}, []string{"mode", "outcome"}),

		// Phase progression
		PhaseReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_phase_reports_total",
			Help: "Total number of phase completion reports received.",
		}, []string{"phase", "outcome"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waypoint_phase_duration_seconds",
			Help:    "Time a flow spent in a phase before completing it.",
			Buckets: sweepDurationBuckets,
		}, []string{"phase"}),
		InterceptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_transition_interceptions_total",
			Help: "Total number of transition interception decisions.",
		}, []string{"decision"}),

		// Consistency
		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_validations_total",
			Help: "Total number of flow consistency checks.",
		}, []string{"result"}),
		FindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_findings_total",
			Help: "Total number of consistency findings by code.",
		}, []string{"code"}),
		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_recoveries_total",
			Help: "Total number of recovery attempts.",
		}, []string{"action", "outcome"}),
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_sweeps_total",
			Help: "Total number of background consistency sweeps.",
		}, []string{"status"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "waypoint_sweep_duration_seconds",
			Help:    "Background sweep duration in seconds.",
			Buckets: sweepDurationBuckets,
		}),

		// System
		GraphsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "waypoint_graphs_loaded",
			Help: "Number of registered phase graph versions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Flow lifecycle
		m.FlowCreationsTotal,
		m.FlowCompletionsTotal,
		m.FlowsActive,
		m.DeletionsTotal,
		// Phase progression
		m.PhaseReportsTotal,
		m.PhaseDuration,
		m.InterceptionsTotal,
		// Consistency
		m.ValidationsTotal,
		m.FindingsTotal,
		m.RecoveriesTotal,
		m.SweepsTotal,
		m.SweepDuration,
		// System
		m.GraphsLoaded,
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

// RecordFlowCreation records a flow creation.
func (m *Metrics) RecordFlowCreation(flowType string) {
	m.FlowCreationsTotal.WithLabelValues(flowType).Inc()
	m.FlowsActive.WithLabelValues(flowType).Inc()
}

// RecordFlowCompletion records a flow reaching a terminal status.
func (m *Metrics) RecordFlowCompletion(flowType, finalStatus string) {
	m.FlowCompletionsTotal.WithLabelValues(flowType, finalStatus).Inc()
	m.FlowsActive.WithLabelValues(flowType).Dec()
}

// RecordDeletion records a deletion attempt. Mode is "soft" or "hard",
// outcome is "success", "refused", or "error".
func (m *Metrics) RecordDeletion(mode, outcome string) {
	m.DeletionsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordPhaseReport records a phase completion report. Outcome is "accepted",
// "rejected", or "duplicate".
func (m *Metrics) RecordPhaseReport(phase, outcome string) {
	m.PhaseReportsTotal.WithLabelValues(phase, outcome).Inc()
}

// RecordPhaseDuration records how long a flow spent in a phase.
func (m *Metrics) RecordPhaseDuration(phase string, duration time.Duration) {
	m.PhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordInterception records a transition decision. Decision is "allowed",
// "intercepted", or "rejected".
func (m *Metrics) RecordInterception(decision string) {
	m.InterceptionsTotal.WithLabelValues(decision).Inc()
}

// RecordValidation records a consistency check. Result is "consistent" or
// "inconsistent".
func (m *Metrics) RecordValidation(result string) {
	m.ValidationsTotal.WithLabelValues(result).Inc()
}

// RecordFinding records a consistency finding by code.
func (m *Metrics) RecordFinding(code string) {
	m.FindingsTotal.WithLabelValues(code).Inc()
}

// RecordRecovery records a recovery attempt. Action is the primary recovery
// action taken, outcome is "success", "manual", or "error".
func (m *Metrics) RecordRecovery(action, outcome string) {
	m.RecoveriesTotal.WithLabelValues(action, outcome).Inc()
}

// RecordSweep records a background sweep run.
func (m *Metrics) RecordSweep(status string, duration time.Duration) {
	m.SweepsTotal.WithLabelValues(status).Inc()
	m.SweepDuration.Observe(duration.Seconds())
}

// SetGraphsLoaded sets the number of registered graph versions.
func (m *Metrics) SetGraphsLoaded(count float64) {
	m.GraphsLoaded.Set(count)
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

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
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
