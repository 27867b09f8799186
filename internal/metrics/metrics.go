package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/fileguard/internal/version"
)

type ServerMetrics struct {
	reg             *prometheus.Registry
	handler         http.Handler
	inflight        prometheus.Gauge
	reqTotal        *prometheus.CounterVec
	reqDur          *prometheus.HistogramVec
	respBytes       *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	httpPanicTotal  prometheus.Counter
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// rate limiting
	ratelimitDeniedTotal   *prometheus.CounterVec
	ratelimitBackendErrors *prometheus.CounterVec
	ratelimitCapacityTotal prometheus.Counter
	ratelimitPolicyInfo    *prometheus.GaugeVec

	// file store
	fileOpsTotal        *prometheus.CounterVec
	pathRejectionsTotal *prometheus.CounterVec
	uploadBytes         prometheus.Histogram
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Requests rejected with 429 by rate limit category",
		}, []string{"category"}),
		ratelimitBackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_backend_errors_total",
			Help: "Counter backend failures by category; each one rejected its request",
		}, []string{"category"}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_capacity_rejections_total",
			Help: "Times the bucket checker refused a new client because it tracked max visitors",
		}),
		ratelimitPolicyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_policy_max_requests",
			Help: "Configured max requests per window by category",
		}, []string{"category", "window"}),
		fileOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "file_operations_total",
			Help: "File store operations by op and result",
		}, []string{"op", "result"}),
		pathRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "path_rejections_total",
			Help: "Names or paths refused by the path safety checks, by op",
		}, []string{"op"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "file_upload_size_bytes",
			Help:    "Size of stored uploads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDeniedTotal,
		m.ratelimitBackendErrors,
		m.ratelimitCapacityTotal,
		m.ratelimitPolicyInfo,
		m.fileOpsTotal,
		m.pathRejectionsTotal,
		m.uploadBytes,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncRateLimitDenied(category string) {
	m.ratelimitDeniedTotal.WithLabelValues(category).Inc()
}

func (m *ServerMetrics) IncRateLimitBackendError(category string) {
	m.ratelimitBackendErrors.WithLabelValues(category).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

// SetRateLimitPolicy publishes the effective policy so overrides are visible
// on dashboards. window is the Go duration string, e.g. "15m0s".
func (m *ServerMetrics) SetRateLimitPolicy(category, window string, max int) {
	m.ratelimitPolicyInfo.WithLabelValues(category, window).Set(float64(max))
}

// IncFileOp satisfies filestore.Metrics.
func (m *ServerMetrics) IncFileOp(op, result string) {
	m.fileOpsTotal.WithLabelValues(op, result).Inc()
}

// IncPathRejected satisfies filestore.Metrics.
func (m *ServerMetrics) IncPathRejected(op string) {
	m.pathRejectionsTotal.WithLabelValues(op).Inc()
}

func (m *ServerMetrics) ObserveUpload(bytes int64) {
	m.uploadBytes.Observe(float64(bytes))
}
