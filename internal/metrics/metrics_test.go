package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_New(t *testing.T) {
	m := New()
	assert.NotNil(t, m.ConnectsTotal)
	assert.NotNil(t, m.ReconnectsTotal)
	assert.NotNil(t, m.Connected)
	assert.NotNil(t, m.InboundEvents)
	assert.NotNil(t, m.LastEventTS)
	assert.NotNil(t, m.QueueDropped)
	assert.NotNil(t, m.OutboundTotal)
	assert.NotNil(t, m.SendDuration)
	assert.NotNil(t, m.TokenRefreshTotal)
	assert.NotNil(t, m.ErrorsTotal)
}

func TestMetrics_RecordConnect(t *testing.T) {
	m := New()
	m.RecordConnect("acct-1", "success")
	m.RecordConnect("acct-1", "success")
	m.RecordConnect("acct-1", "error")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `qqgateway_connects_total{account="acct-1",result="success"} 2`)
	assert.Contains(t, body, `qqgateway_connects_total{account="acct-1",result="error"} 1`)
}

func TestMetrics_SetConnected(t *testing.T) {
	m := New()
	m.SetConnected("acct-1", true)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `qqgateway_connected{account="acct-1"} 1`)

	m.SetConnected("acct-1", false)
	body = getMetricsBody(t, m)
	assert.Contains(t, body, `qqgateway_connected{account="acct-1"} 0`)
}

func TestMetrics_RecordInbound(t *testing.T) {
	m := New()
	m.RecordInbound("acct-1", "c2c")
	m.RecordInbound("acct-1", "group")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `qqgateway_inbound_events_total{account="acct-1",kind="c2c"} 1`)
	assert.Contains(t, body, `qqgateway_inbound_events_total{account="acct-1",kind="group"} 1`)
	assert.Contains(t, body, `qqgateway_last_event_timestamp_seconds{account="acct-1"}`)
}

func TestMetrics_RecordOutbound(t *testing.T) {
	m := New()
	m.RecordOutbound("acct-1", "c2c", "passive")
	m.RecordOutbound("acct-1", "c2c", "fallback_active")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `qqgateway_outbound_total{account="acct-1",outcome="passive",route="c2c"} 1`)
	assert.Contains(t, body, `qqgateway_outbound_total{account="acct-1",outcome="fallback_active",route="c2c"} 1`)
}

func TestMetrics_ObserveSendDuration(t *testing.T) {
	m := New()
	m.ObserveSendDuration("group", 0.25)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, "qqgateway_send_duration_seconds")
}

func TestMetrics_RecordError(t *testing.T) {
	m := New()
	m.RecordError("gateway", "invalid_session")

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `qqgateway_errors_total{module="gateway",type="invalid_session"} 1`)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	handler := m.Handler()
	assert.NotNil(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func getMetricsBody(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	return strings.TrimSpace(string(body))
}
