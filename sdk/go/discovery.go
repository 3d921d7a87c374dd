package sdk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrServiceNotResolved 总线DNS中没有该服务的可用记录
var ErrServiceNotResolved = errors.New("servicio no resuelto por DNS")

// DNSResolver 通过总线的DNS服务把服务名解析为 host:port，结果按TTL缓存
type DNSResolver struct {
	server string
	domain string
	client *dns.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]resolved
}

type resolved struct {
	addr     string
	expireAt time.Time
}

// NewDNSResolver 创建解析器，server 为总线DNS地址 (如 bus:5353)，domain 为服务域名
func NewDNSResolver(server, domain string, timeout time.Duration) *DNSResolver {
	if domain == "" {
		domain = DefaultDNSDomain
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DNSResolver{
		server: server,
		domain: strings.Trim(domain, "."),
		client: &dns.Client{Net: "udp", Timeout: timeout},
		now:    time.Now,
		cache:  make(map[string]resolved),
	}
}

// Resolve 查询 _<name>._tcp.<domain> 的SRV记录，返回 host:port
func (r *DNSResolver) Resolve(ctx context.Context, name string) (string, error) {
	if addr := r.cached(name); addr != "" {
		return addr, nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fmt.Sprintf("_%s._tcp.%s", name, r.domain)), dns.TypeSRV)
	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return "", fmt.Errorf("consulta DNS de %s: %w", name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("%w: %s (%s)", ErrServiceNotResolved, name, dns.RcodeToString[resp.Rcode])
	}

	var (
		srv *dns.SRV
		ttl uint32
	)
	for _, rr := range resp.Answer {
		if s, ok := rr.(*dns.SRV); ok {
			srv, ttl = s, s.Hdr.Ttl
			break
		}
	}
	if srv == nil {
		return "", fmt.Errorf("%w: %s", ErrServiceNotResolved, name)
	}

	// 优先使用附加段中的A记录，否则直接使用目标名
	host := strings.TrimSuffix(srv.Target, ".")
	for _, rr := range resp.Extra {
		if a, ok := rr.(*dns.A); ok && dns.CanonicalName(a.Hdr.Name) == dns.CanonicalName(srv.Target) {
			host = a.A.String()
			break
		}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(srv.Port)))

	if ttl > 0 {
		r.mu.Lock()
		r.cache[name] = resolved{addr: addr, expireAt: r.now().Add(time.Duration(ttl) * time.Second)}
		r.mu.Unlock()
	}
	return addr, nil
}

func (r *DNSResolver) cached(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[name]
	if !ok {
		return ""
	}
	if r.now().After(entry.expireAt) {
		delete(r.cache, name)
		return ""
	}
	return entry.addr
}
