package model

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWireName(t *testing.T) {
	assert.Equal(t, "lista", WireName("lista"))
	assert.Equal(t, "gerep", WireName("gerep_extra"))
	assert.Equal(t, "ab   ", WireName("ab"))
	assert.Len(t, WireName(""), WireNameWidth)
}

func TestServiceRecordClone(t *testing.T) {
	hb := time.Now()
	rec := ServiceRecord{Name: "regist", Endpoints: []string{"/usuarios"}, LastHeartbeat: &hb}

	cp := rec.Clone()
	cp.Endpoints[0] = "/changed"
	*cp.LastHeartbeat = hb.Add(time.Hour)

	assert.Equal(t, "/usuarios", rec.Endpoints[0])
	assert.Equal(t, hb, *rec.LastHeartbeat)
}

func TestServiceRecordIsStale(t *testing.T) {
	now := time.Now()
	old := now.Add(-10 * time.Minute)

	assert.False(t, ServiceRecord{}.IsStale(now, time.Minute), "从未心跳的记录不过期")
	assert.True(t, ServiceRecord{LastHeartbeat: &old}.IsStale(now, 5*time.Minute))
	assert.False(t, ServiceRecord{LastHeartbeat: &now}.IsStale(now, 5*time.Minute))
}

func TestParseServiceStatus(t *testing.T) {
	assert.Equal(t, StatusActive, ParseServiceStatus("active"))
	assert.Equal(t, StatusDegraded, ParseServiceStatus(" DEGRADED "))
	assert.Equal(t, StatusUnknown, ParseServiceStatus("sleeping"))
}

func TestServiceInfoToRecord(t *testing.T) {
	rec := ServiceInfo{Name: "regist", Address: "http://regist:8000/"}.ToRecord()

	assert.Equal(t, "http://regist:8000", rec.Address)
	assert.Equal(t, DefaultVersion, rec.Version)
	assert.Equal(t, "Servicio regist", rec.Description)
	assert.NotNil(t, rec.Endpoints)
}

func TestRouteRequestNormalize(t *testing.T) {
	req := RouteRequest{TargetService: "regist", Endpoint: "usuarios/1"}
	req.Normalize()
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/usuarios/1", req.Endpoint)
	assert.Equal(t, 30*time.Second, req.TimeoutDuration())

	op := RouteRequest{TargetService: "lista", Operation: "get_lista_espera", Timeout: 0.5}
	op.Normalize()
	assert.Equal(t, http.MethodPost, op.Method)
	assert.Equal(t, "/get_lista_espera", op.Endpoint)
	assert.Equal(t, "get_lista_espera", op.OperationName())
	assert.Equal(t, 500*time.Millisecond, op.TimeoutDuration())
}
