package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hefzhail/botops/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDeniedTotal   *prometheus.CounterVec
	ratelimitCapacityTotal prometheus.Counter

	messagesTotal        *prometheus.CounterVec
	storageFallbackTotal prometheus.Counter
	storageErrorsTotal   *prometheus.CounterVec
	adminOpsTotal        *prometheus.CounterVec
	aiRepliesTotal       *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + HTTP and bot metrics
// safe labels only (method, route, code, intent) to avoid cardinality explosions
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
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "go_version", "vcs_dirty"}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Total requests rejected by the rate limiter, by triggering window",
		}, []string{"window"}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_capacity_total",
			Help: "Total number of times the rate limiter identity table hit capacity",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_messages_total",
			Help: "Total messages persisted to the message log, by intent",
		}, []string{"intent"}),
		storageFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_format_fallback_total",
			Help: "Total times the xlsx store fell back to the CSV file",
		}),
		storageErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_errors_total",
			Help: "Total storage errors by operation",
		}, []string{"op"}),
		adminOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin_operations_total",
			Help: "Total dashboard admin operations by kind and outcome",
		}, []string{"op", "outcome"}),
		aiRepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_replies_total",
			Help: "Total AI responder replies by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.messagesTotal,
		m.storageFallbackTotal,
		m.storageErrorsTotal,
		m.adminOpsTotal,
		m.aiRepliesTotal,
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
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied(window string) {
	if window == "" {
		window = "capacity"
	}
	m.ratelimitDeniedTotal.WithLabelValues(window).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) IncMessageStored(intent string) {
	m.messagesTotal.WithLabelValues(intent).Inc()
}

func (m *ServerMetrics) IncStorageFallback() {
	m.storageFallbackTotal.Inc()
}

func (m *ServerMetrics) IncStorageError(op string) {
	m.storageErrorsTotal.WithLabelValues(op).Inc()
}

func (m *ServerMetrics) IncAdminOp(op string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.adminOpsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *ServerMetrics) IncAIReply(outcome string) {
	m.aiRepliesTotal.WithLabelValues(outcome).Inc()
}
