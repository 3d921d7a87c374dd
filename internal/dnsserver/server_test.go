package dnsserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/pkg/model"
)

type mapLookup map[string]model.ServiceRecord

func (m mapLookup) Get(name string) (model.ServiceRecord, bool) {
	rec, ok := m[name]
	return rec, ok
}

type fakeResolver map[string][]net.IPAddr

func (f fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func testServices() mapLookup {
	return mapLookup{
		"regist": {Name: "regist", Address: "http://10.0.0.5:8001", Version: "2.1.0", Status: model.StatusActive},
		"lista":  {Name: "lista", Address: "tcp://10.0.0.6:41000", Status: model.StatusDegraded},
		"notis":  {Name: "notis", Address: "http://notis:8010", Status: model.StatusActive},
		"v6":     {Name: "v6", Address: "http://[fd00::1]:9000", Status: model.StatusActive},
		"caido":  {Name: "caido", Address: "http://10.0.0.9:8000", Status: model.StatusInactive},
	}
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer(config.DNSConfig{
		ListenAddress: "127.0.0.1",
		Port:          0,
		Protocol:      "both",
		Domain:        "esb.local",
		TTL:           15,
	}, testServices(), config.NewNopLogger())
	s.SetResolver(fakeResolver{"notis": {{IP: net.ParseIP("10.0.0.7")}}})
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, s.UDPAddr()
}

func query(t *testing.T, addr, name string, qtype uint16) *dns.Msg {
	t.Helper()
	c := new(dns.Client)
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	r, _, err := c.Exchange(m, addr)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func TestQueryA(t *testing.T) {
	_, addr := startTestServer(t)

	r := query(t, addr, "regist.esb.local", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, r.Rcode)
	require.Len(t, r.Answer, 1)
	a, ok := r.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", a.A.String())
	assert.Equal(t, uint32(15), a.Hdr.Ttl)

	// 主机名经解析器解析
	r = query(t, addr, "notis.esb.local", dns.TypeA)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "10.0.0.7", r.Answer[0].(*dns.A).A.String())

	// DEGRADED 的服务仍然返回
	r = query(t, addr, "LISTA.esb.local", dns.TypeA)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "10.0.0.6", r.Answer[0].(*dns.A).A.String())
}

func TestQueryAAAA(t *testing.T) {
	_, addr := startTestServer(t)

	r := query(t, addr, "v6.esb.local", dns.TypeAAAA)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "fd00::1", r.Answer[0].(*dns.AAAA).AAAA.String())

	// 只有IPv4地址的服务没有AAAA记录
	r = query(t, addr, "regist.esb.local", dns.TypeAAAA)
	assert.Equal(t, dns.RcodeSuccess, r.Rcode)
	assert.Empty(t, r.Answer)
}

func TestQuerySRV(t *testing.T) {
	_, addr := startTestServer(t)

	r := query(t, addr, "_lista._tcp.esb.local", dns.TypeSRV)
	require.Len(t, r.Answer, 1)
	srv, ok := r.Answer[0].(*dns.SRV)
	require.True(t, ok)
	assert.Equal(t, uint16(41000), srv.Port)
	assert.Equal(t, "lista.esb.local.", srv.Target)
	require.Len(t, r.Extra, 1)
	assert.Equal(t, "10.0.0.6", r.Extra[0].(*dns.A).A.String())

	r = query(t, addr, "regist.esb.local", dns.TypeSRV)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, uint16(8001), r.Answer[0].(*dns.SRV).Port)
}

func TestQueryTXT(t *testing.T) {
	_, addr := startTestServer(t)

	r := query(t, addr, "regist.esb.local", dns.TypeTXT)
	require.Len(t, r.Answer, 1)
	txt := r.Answer[0].(*dns.TXT).Txt
	assert.Contains(t, txt, "status=ACTIVE")
	assert.Contains(t, txt, "version=2.1.0")
	assert.Contains(t, txt, "url=http://10.0.0.5:8001")
}

func TestNXDomain(t *testing.T) {
	_, addr := startTestServer(t)

	for _, name := range []string{"caido.esb.local", "nadie.esb.local", "regist.example.com", "a.b.esb.local"} {
		r := query(t, addr, name, dns.TypeA)
		assert.Equal(t, dns.RcodeNameError, r.Rcode, name)
		assert.Empty(t, r.Answer, name)
	}
}

func TestTCPQuery(t *testing.T) {
	s, _ := startTestServer(t)

	c := &dns.Client{Net: "tcp"}
	m := new(dns.Msg)
	m.SetQuestion("regist.esb.local.", dns.TypeA)
	r, _, err := c.Exchange(m, s.TCPAddr())
	require.NoError(t, err)
	require.Len(t, r.Answer, 1)
}

func TestUnsupportedProtocol(t *testing.T) {
	s := NewServer(config.DNSConfig{ListenAddress: "127.0.0.1", Protocol: "sctp"}, mapLookup{}, config.NewNopLogger())
	assert.Error(t, s.Start())
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		in   string
		host string
		port uint16
	}{
		{"http://10.0.0.1:8000", "10.0.0.1", 8000},
		{"https://regist", "regist", 443},
		{"http://regist", "regist", 80},
		{"tcp://127.0.0.1:41000", "127.0.0.1", 41000},
		{"no es url", "", 0},
	}
	for _, tt := range tests {
		host, port := splitAddress(tt.in)
		assert.Equal(t, tt.host, host, tt.in)
		assert.Equal(t, tt.port, port, tt.in)
	}
}

// 启动一个只回答 example.com 的本地上游服务器
func startUpstream(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	hits := new(atomic.Int32)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	mux := dns.NewServeMux()
	mux.HandleFunc("example.com.", func(w dns.ResponseWriter, r *dns.Msg) {
		hits.Add(1)
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120},
			A:   net.ParseIP("93.184.216.34"),
		})
		_ = w.WriteMsg(m)
	})
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String(), hits
}

func TestForwardToUpstream(t *testing.T) {
	upstreamAddr, hits := startUpstream(t)

	s := NewServer(config.DNSConfig{
		ListenAddress: "127.0.0.1",
		Protocol:      "udp",
		Domain:        "esb.local",
		Upstream:      []string{upstreamAddr},
		Timeout:       time.Second,
	}, testServices(), config.NewNopLogger())
	require.NoError(t, s.Start())
	defer func() { _ = s.Shutdown(context.Background()) }()

	for i := 0; i < 2; i++ {
		r := query(t, s.UDPAddr(), "example.com", dns.TypeA)
		require.Len(t, r.Answer, 1)
		assert.Equal(t, "93.184.216.34", r.Answer[0].(*dns.A).A.String())
	}
	// 第二次查询来自缓存
	assert.Equal(t, int32(1), hits.Load())

	// 总线域名不转发
	r := query(t, s.UDPAddr(), "regist.esb.local", dns.TypeA)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "10.0.0.5", r.Answer[0].(*dns.A).A.String())
}

func TestUpstreamFailure(t *testing.T) {
	s := NewServer(config.DNSConfig{
		ListenAddress: "127.0.0.1",
		Protocol:      "udp",
		Domain:        "esb.local",
		Upstream:      []string{"127.0.0.1:1"},
		Timeout:       200 * time.Millisecond,
	}, testServices(), config.NewNopLogger())
	require.NoError(t, s.Start())
	defer func() { _ = s.Shutdown(context.Background()) }()

	r := query(t, s.UDPAddr(), "example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeServerFailure, r.Rcode)
}

func TestUpstreamCacheExpiry(t *testing.T) {
	u := newUpstream([]string{"127.0.0.1:1"}, time.Second)
	now := time.Now()
	u.now = func() time.Time { return now }

	resp := new(dns.Msg)
	resp.SetQuestion("example.com.", dns.TypeA)
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP("1.2.3.4"),
	})
	key := cacheKey(resp.Question[0])
	u.store(key, resp)
	require.NotNil(t, u.cached(key))

	now = now.Add(61 * time.Second)
	assert.Nil(t, u.cached(key))
}
