package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndHelpersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	ObserveRoute("lista", "SUCCESS", 0.02)
	ObserveRoute("lista", "TIMEOUT", 30)
	IncRegistration()
	IncHeartbeat()
	SetServiceCounts(map[string]int{"ACTIVE": 2, "INACTIVE": 1})
	TCPConnOpened()
	TCPConnOpened()
	TCPConnClosed()
	IncGatewayRequest("ok")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = len(mf.GetMetric()) > 0
	}
	for _, name := range []string{
		"esb_routed_messages_total",
		"esb_route_latency_seconds",
		"esb_registrations_total",
		"esb_heartbeats_total",
		"esb_services",
		"esb_tcp_connections",
		"esb_gateway_requests_total",
	} {
		assert.True(t, found[name], "指标 %s 缺失", name)
	}
}

func TestHandlerServesText(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.NotEmpty(t, body)
}
