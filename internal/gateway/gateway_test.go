package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/internal/registry"
	"github.com/hewenyu/prestalab-esb/internal/router"
	"github.com/hewenyu/prestalab-esb/internal/tcpbus"
	"github.com/hewenyu/prestalab-esb/pkg/storage/memory"
	"github.com/hewenyu/prestalab-esb/pkg/wire"
	sdk "github.com/hewenyu/prestalab-esb/sdk/go"
)

type fakeBus struct {
	resp wire.Response
	err  error

	service   string
	operation string
	payload   json.RawMessage
}

func (f *fakeBus) Call(ctx context.Context, service, operation string, payload json.RawMessage) (wire.Response, error) {
	f.service, f.operation, f.payload = service, operation, payload
	return f.resp, f.err
}

func post(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/route", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func newGateway(bus BusClient) *Server {
	return NewServer(Options{Addr: "127.0.0.1:0", BusAddr: "bus:5000", Timeout: time.Second}, bus, config.NewNopLogger())
}

func TestRouteMapping(t *testing.T) {
	tests := []struct {
		name   string
		resp   wire.Response
		err    error
		code   int
		kind   string
		detail string
	}{
		{
			name: "ok",
			resp: wire.DecodeResponse([]byte(`listaOK{"espera":[]}`)),
			code: http.StatusOK,
		},
		{
			name: "duplicated status",
			resp: wire.DecodeResponse([]byte(`listaOKOK{"espera":[]}`)),
			code: http.StatusOK,
		},
		{
			name:   "service error",
			resp:   wire.DecodeResponse([]byte(`listaNK{"error":"curso inexistente"}`)),
			code:   http.StatusBadGateway,
			kind:   KindServiceError,
			detail: "Error del servicio 'lista': curso inexistente",
		},
		{
			name: "unparseable",
			resp: wire.DecodeResponse([]byte(`listaOKnada`)),
			code: http.StatusBadGateway,
			kind: KindMalformedResponse,
		},
		{
			name:   "refused",
			err:    &net.OpError{Op: "dial", Net: "tcp", Err: &syscallError{syscall.ECONNREFUSED}},
			code:   http.StatusServiceUnavailable,
			kind:   KindBusUnavailable,
			detail: "No se pudo conectar al Bus SOA TCP en bus:5000. ¿Está corriendo?",
		},
		{
			name:   "timeout",
			err:    context.DeadlineExceeded,
			code:   http.StatusGatewayTimeout,
			kind:   KindTimeout,
			detail: "Timeout: El Bus SOA o el servicio tardaron demasiado en responder.",
		},
		{
			name: "empty response",
			err:  io.EOF,
			code: http.StatusBadGateway,
			kind: KindMalformedResponse,
		},
		{
			name: "bad length",
			err:  fmt.Errorf("%w: %q", wire.ErrBadLength, "abcde"),
			code: http.StatusBadGateway,
			kind: KindMalformedResponse,
		},
		{
			name: "internal",
			err:  errors.New("boom"),
			code: http.StatusInternalServerError,
			kind: KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &fakeBus{resp: tt.resp, err: tt.err}
			rec, out := post(t, newGateway(bus).Handler(), `{"service":"lista","operation":"get_lista_espera","payload":{"curso":3}}`)

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "lista", bus.service)
			assert.Equal(t, "get_lista_espera", bus.operation)
			assert.JSONEq(t, `{"curso":3}`, string(bus.payload))
			if tt.code == http.StatusOK {
				assert.JSONEq(t, `{"espera":[]}`, rec.Body.String())
				return
			}
			assert.Equal(t, tt.kind, out["kind"])
			if tt.detail != "" {
				assert.Equal(t, tt.detail, out["detail"])
			}
		})
	}
}

type syscallError struct{ errno syscall.Errno }

func (e *syscallError) Error() string { return e.errno.Error() }
func (e *syscallError) Unwrap() error { return e.errno }

func TestRouteValidation(t *testing.T) {
	bus := &fakeBus{}
	h := newGateway(bus).Handler()

	rec, out := post(t, h, `{"operation":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, KindBadRequest, out["kind"])

	rec, _ = post(t, h, `{"service":"lista"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = post(t, h, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, bus.service)
}

func TestPing(t *testing.T) {
	rec := httptest.NewRecorder()
	newGateway(&fakeBus{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")
}

// 真实总线和TCP服务之间的端到端往返
func TestGatewayThroughBus(t *testing.T) {
	logger := config.NewNopLogger()
	reg := registry.NewRegistry(memory.NewMemoryStorage(), logger, registry.Options{})
	rt := router.NewRouter(reg, logger, router.Options{})
	bus := tcpbus.NewListener(tcpbus.Options{Addr: "127.0.0.1:0", RouteTimeout: 2 * time.Second}, reg, rt, logger)
	rt.SetTCPTransport(bus)
	require.NoError(t, bus.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = sdk.ServeBus(ctx, bus.Addr(), "notis", func(ctx context.Context, op string, payload json.RawMessage) (interface{}, error) {
			if op != "enviar" {
				return nil, errors.New("operación desconocida")
			}
			return map[string]bool{"enviado": true}, nil
		}, nil)
	}()
	require.Eventually(t, func() bool {
		_, ok := reg.Get("notis")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	gw := NewServer(Options{BusAddr: bus.Addr(), Timeout: 2 * time.Second}, nil, logger)
	rec, _ := post(t, gw.Handler(), `{"service":"notis","operation":"enviar","payload":{"to":"ana"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enviado":true}`, rec.Body.String())

	rec, out := post(t, gw.Handler(), `{"service":"notis","operation":"otra","payload":{}}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Error del servicio 'notis': operación desconocida", out["detail"])
}

func TestBusUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	gw := NewServer(Options{BusAddr: addr, Timeout: time.Second}, nil, config.NewNopLogger())
	rec, out := post(t, gw.Handler(), `{"service":"notis","operation":"enviar"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, KindBusUnavailable, out["kind"])
}
