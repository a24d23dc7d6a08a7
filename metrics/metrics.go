// Package metrics implements the Prometheus metrics backend of the
// gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace        = "portcullis"
	promProxySubsystem   = "proxy"
	promLimitSubsystem   = "ratelimit"
	promCircuitSubsystem = "circuit"
	promLogSubsystem     = "logsink"
)

// Metrics holds the metric series emitted by the gateway.
type Metrics struct {
	proxyRequestsM  *prometheus.CounterVec
	proxyLatencyM   *prometheus.HistogramVec
	rateLimitedM    *prometheus.CounterVec
	breakerOpenM    *prometheus.GaugeVec
	logsDroppedM    prometheus.Counter
	authFailuresM   *prometheus.CounterVec
	upstreamErrorsM *prometheus.CounterVec

	registry *prometheus.Registry
	handler  http.Handler
}

// New creates and registers the gateway metrics.
func New() *Metrics {
	proxyRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promProxySubsystem,
		Name:      "requests_total",
		Help:      "Total proxied requests by target service and status class.",
	}, []string{"service", "class"})

	proxyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: promProxySubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of proxied requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service"})

	rateLimited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promLimitSubsystem,
		Name:      "denied_total",
		Help:      "Requests denied by a rate limit rule.",
	}, []string{"rule"})

	breakerOpen := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: promCircuitSubsystem,
		Name:      "open",
		Help:      "Whether the circuit for a target service is open.",
	}, []string{"service"})

	logsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promLogSubsystem,
		Name:      "dropped_total",
		Help:      "Request log records dropped because the sink buffer was full.",
	})

	authFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promProxySubsystem,
		Name:      "auth_failures_total",
		Help:      "Token verification failures by kind.",
	}, []string{"kind"})

	upstreamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promProxySubsystem,
		Name:      "upstream_errors_total",
		Help:      "Dispatch failures by target service and kind.",
	}, []string{"service", "kind"})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		proxyRequests,
		proxyLatency,
		rateLimited,
		breakerOpen,
		logsDropped,
		authFailures,
		upstreamErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		proxyRequestsM:  proxyRequests,
		proxyLatencyM:   proxyLatency,
		rateLimitedM:    rateLimited,
		breakerOpenM:    breakerOpen,
		logsDroppedM:    logsDropped,
		authFailuresM:   authFailures,
		upstreamErrorsM: upstreamErrors,
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
}

// Handler returns the Prometheus exposition handler.
func (m *Metrics) Handler() http.Handler { return m.handler }

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

func (m *Metrics) MeasureProxy(service string, code int, d time.Duration) {
	if service == "" {
		service = "unknown"
	}
	m.proxyRequestsM.WithLabelValues(service, statusClass(code)).Inc()
	m.proxyLatencyM.WithLabelValues(service).Observe(d.Seconds())
}

func (m *Metrics) IncRateLimited(rule string) {
	m.rateLimitedM.WithLabelValues(rule).Inc()
}

func (m *Metrics) SetBreakerOpen(service string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerOpenM.WithLabelValues(service).Set(v)
}

func (m *Metrics) IncLogsDropped() { m.logsDroppedM.Inc() }

func (m *Metrics) IncAuthFailure(kind string) {
	m.authFailuresM.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncUpstreamError(service, kind string) {
	if service == "" {
		service = "unknown"
	}
	m.upstreamErrorsM.WithLabelValues(service, kind).Inc()
}
