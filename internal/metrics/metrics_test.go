// ABOUTME: Tests for the Prometheus collectors and their scrape handler
// ABOUTME: Uses testutil to read counter values directly

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveToolCall(t *testing.T) {
	m := New()
	m.ObserveToolCall("success", 20*time.Millisecond)
	m.ObserveToolCall("success", 30*time.Millisecond)
	m.ObserveToolCall("timeout", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("timeout")))
}

func TestGaugesAndCounters(t *testing.T) {
	m := New()
	m.SetTenants(3)
	m.ObserveReload(true)
	m.ObserveReload(false)
	m.ObserveTokenCheck("expired")
	m.ObserveRPC("", "http")
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.tenants))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenChecks.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcRequests.WithLabelValues("invalid", "http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streams))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveToolCall("success", time.Second)
	m.SetTenants(1)
	m.ObserveReload(true)
	m.StreamOpened()
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveToolCall("error", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relay_tool_calls_total{status="error"} 1`)
	assert.Contains(t, string(body), "relay_tool_call_duration_seconds_bucket")
}
