package dnsserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// defaultNegativeTTL 没有回答的上游响应的缓存时间
const defaultNegativeTTL = 30 * time.Second

// upstream 把不属于总线域名的查询转发给上游DNS，成功的响应按最小TTL缓存
type upstream struct {
	servers []string
	client  *dns.Client
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedMsg
}

type cachedMsg struct {
	msg      *dns.Msg
	expireAt time.Time
}

func newUpstream(servers []string, timeout time.Duration) *upstream {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &upstream{
		servers: servers,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		now:     time.Now,
		cache:   make(map[string]cachedMsg),
	}
}

func cacheKey(q dns.Question) string {
	return dns.CanonicalName(q.Name) + "/" + dns.TypeToString[q.Qtype]
}

// resolve 依次尝试各上游服务器，截断的UDP响应改用TCP重试
func (u *upstream) resolve(req *dns.Msg) (*dns.Msg, error) {
	if len(req.Question) == 0 {
		return nil, errors.New("请求中没有问题")
	}
	key := cacheKey(req.Question[0])
	if msg := u.cached(key); msg != nil {
		msg.Id = req.Id
		return msg, nil
	}

	var lastErr error
	for _, server := range u.servers {
		resp, _, err := u.client.Exchange(req, server)
		if err == nil && resp.Truncated {
			tcp := &dns.Client{Net: "tcp", Timeout: u.client.Timeout}
			resp, _, err = tcp.Exchange(req, server)
		}
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}
		u.store(key, resp)
		return resp, nil
	}
	return nil, fmt.Errorf("所有上游DNS服务器都失败: %w", lastErr)
}

func (u *upstream) cached(key string) *dns.Msg {
	u.mu.Lock()
	defer u.mu.Unlock()
	entry, ok := u.cache[key]
	if !ok {
		return nil
	}
	if u.now().After(entry.expireAt) {
		delete(u.cache, key)
		return nil
	}
	return entry.msg.Copy()
}

func (u *upstream) store(key string, resp *dns.Msg) {
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		return
	}
	ttl := defaultNegativeTTL
	if len(resp.Answer) > 0 {
		min := resp.Answer[0].Header().Ttl
		for _, rr := range resp.Answer[1:] {
			if rr.Header().Ttl < min {
				min = rr.Header().Ttl
			}
		}
		ttl = time.Duration(min) * time.Second
	}
	if ttl <= 0 {
		return
	}
	u.mu.Lock()
	u.cache[key] = cachedMsg{msg: resp.Copy(), expireAt: u.now().Add(ttl)}
	u.mu.Unlock()
}
