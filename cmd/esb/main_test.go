package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/prestalab-esb/internal/config"
	sdk "github.com/hewenyu/prestalab-esb/sdk/go"
)

func TestVersionCommand(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "esb "+Version+"\n", out.String())
}

func TestRootHasSubcommands(t *testing.T) {
	root := buildRoot()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["bus"])
	assert.True(t, names["gateway"])
	assert.True(t, names["version"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
bus:
  http_addr: "127.0.0.1:0"
  tcp_addr: "127.0.0.1:0"
  route_timeout: 2s
store:
  type: memory
metrics:
  enabled: false
dns:
  enabled: true
  listen_address: "127.0.0.1"
  port: 0
log:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSetupLoadsConfigFile(t *testing.T) {
	cfg, logger, err := setup(&GlobalFlags{ConfigPath: writeConfig(t)})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 2*time.Second, cfg.Bus.RouteTimeout)
	assert.True(t, cfg.DNS.Enabled)
}

func TestSetupRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: cassandra\n"), 0o644))
	_, _, err := setup(&GlobalFlags{ConfigPath: path})
	assert.Error(t, err)
}

// 完整的总线进程：TCP服务注册后可以经HTTP门面路由
func TestBusAppEndToEnd(t *testing.T) {
	cfg, _, err := setup(&GlobalFlags{ConfigPath: writeConfig(t)})
	require.NoError(t, err)

	app, err := newBusApp(context.Background(), cfg, config.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, app.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, app.Shutdown(ctx))
	}()
	require.NotNil(t, app.dns)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = sdk.ServeBus(ctx, app.listener.Addr(), "notis", func(ctx context.Context, op string, payload json.RawMessage) (interface{}, error) {
			return map[string]string{"op": op}, nil
		}, nil)
	}()
	require.Eventually(t, func() bool {
		_, ok := app.registry.Get("notis")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	body := `{"target_service":"notis","operation":"enviar","payload":{"to":"ana"}}`
	req := httptest.NewRequest(http.MethodPost, "/route", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.api.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"op":"enviar"}`, string(resp.Data))
}

func TestNewGateway(t *testing.T) {
	cfg, _, err := setup(&GlobalFlags{ConfigPath: writeConfig(t)})
	require.NoError(t, err)
	gw, err := newGateway(cfg, config.NewNopLogger())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
