// ABOUTME: Prometheus collectors for tool calls, registry size, reloads and token checks
// ABOUTME: All methods are nil-safe so components can run without metrics wired

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the gateway records.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	tenants          prometheus.Gauge
	reloads          *prometheus.CounterVec
	tokenChecks      *prometheus.CounterVec
	rpcRequests      *prometheus.CounterVec
	streams          prometheus.Gauge
}

// New creates a registry with the gateway collectors plus Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_calls_total",
			Help: "Tool calls by outcome (success, error, timeout, invalid).",
		}, []string{"status"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tool_call_duration_seconds",
			Help:    "Wall time of tool calls including parameter resolution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		tenants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_registry_tenants",
			Help: "Tenants currently registered.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_registry_reloads_total",
			Help: "Routing table rebuilds by result.",
		}, []string{"result"}),
		tokenChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_token_validations_total",
			Help: "Bearer token validations by result.",
		}, []string{"result"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rpc_requests_total",
			Help: "JSON-RPC requests by method and transport.",
		}, []string{"method", "transport"}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sse_streams",
			Help: "Open push-stream sessions across all tenants.",
		}),
	}

	reg.MustRegister(
		m.toolCalls,
		m.toolCallDuration,
		m.tenants,
		m.reloads,
		m.tokenChecks,
		m.rpcRequests,
		m.streams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveToolCall records one tool call outcome and its duration.
func (m *Metrics) ObserveToolCall(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(status).Inc()
	m.toolCallDuration.WithLabelValues(status).Observe(d.Seconds())
}

// SetTenants records the current registry size.
func (m *Metrics) SetTenants(n int) {
	if m == nil {
		return
	}
	m.tenants.Set(float64(n))
}

// ObserveReload records a routing table rebuild.
func (m *Metrics) ObserveReload(ok bool) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(resultLabel(ok)).Inc()
}

// ObserveTokenCheck records a bearer validation with its result: ok, invalid or expired.
func (m *Metrics) ObserveTokenCheck(result string) {
	if m == nil {
		return
	}
	m.tokenChecks.WithLabelValues(result).Inc()
}

// ObserveRPC records one JSON-RPC request.
func (m *Metrics) ObserveRPC(method, transport string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "invalid"
	}
	m.rpcRequests.WithLabelValues(method, transport).Inc()
}

// StreamOpened and StreamClosed track live push-stream sessions.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streams.Dec()
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
