package sdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/internal/dnsserver"
	"github.com/hewenyu/prestalab-esb/internal/registry"
	"github.com/hewenyu/prestalab-esb/pkg/model"
	"github.com/hewenyu/prestalab-esb/pkg/storage/memory"
)

func startBusDNS(t *testing.T, records ...model.ServiceRecord) string {
	t.Helper()
	logger := config.NewNopLogger()
	reg := registry.NewRegistry(memory.NewMemoryStorage(), logger, registry.Options{})
	for _, rec := range records {
		_, err := reg.Register(context.Background(), rec)
		require.NoError(t, err)
	}
	s := dnsserver.NewServer(config.DNSConfig{ListenAddress: "127.0.0.1", Protocol: "udp", Domain: "esb.local"}, reg, logger)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s.UDPAddr()
}

func TestDNSResolver(t *testing.T) {
	addr := startBusDNS(t, model.ServiceRecord{Name: "lista", Address: "http://127.0.0.1:8123"})

	r := NewDNSResolver(addr, "esb.local", time.Second)
	got, err := r.Resolve(context.Background(), "lista")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8123", got)

	_, err = r.Resolve(context.Background(), "nadie")
	assert.ErrorIs(t, err, ErrServiceNotResolved)
}

func TestDNSResolverCache(t *testing.T) {
	addr := startBusDNS(t, model.ServiceRecord{Name: "lista", Address: "http://127.0.0.1:8123"})

	r := NewDNSResolver(addr, "esb.local", time.Second)
	now := time.Now()
	r.now = func() time.Time { return now }
	_, err := r.Resolve(context.Background(), "lista")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8123", r.cached("lista"))

	now = now.Add(time.Hour)
	assert.Empty(t, r.cached("lista"))
}

// 总线不可用时，直连通过总线DNS找到服务的真实端口
func TestCallDirectResolvesThroughDNS(t *testing.T) {
	direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer direct.Close()

	dnsAddr := startBusDNS(t, model.ServiceRecord{Name: "regist", Address: direct.URL})

	c, _ := newTestClient(t, "http://"+closedAddr(t))
	c.resolver = NewDNSResolver(dnsAddr, "esb.local", time.Second)

	data, err := c.CallViaBus(context.Background(), "regist", http.MethodGet, "/usuarios", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestNewClientWithDNSServer(t *testing.T) {
	c, err := NewClient(Config{BusURL: "http://bus:8000", DNSServer: "127.0.0.1:5353"})
	require.NoError(t, err)
	require.NotNil(t, c.resolver)
	assert.Equal(t, DefaultDNSDomain, c.Config().DNSDomain)
}
