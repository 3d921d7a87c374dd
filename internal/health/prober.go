package health

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hewenyu/prestalab-esb/internal/router"
	"github.com/hewenyu/prestalab-esb/pkg/model"
)

// Prober 对单个服务做一次存活探测并给出状态分类
type Prober interface {
	Probe(ctx context.Context, rec model.ServiceRecord) model.ServiceStatus
}

// Bindings 报告通过 sinit 注册的服务是否仍持有总线连接
type Bindings interface {
	IsBound(name string) bool
}

// HTTPProber 用 GET {address}/ 探测HTTP服务。
// tcp:// 服务的地址是对端的临时端口，设置了 Bindings 时按连接绑定判断，否则退回TCP拨号。
type HTTPProber struct {
	client *http.Client
	dialer net.Dialer
	// SlowThreshold 超过该耗时的成功响应视为 DEGRADED，0 表示不判断
	SlowThreshold time.Duration
	// Bindings 总线上的TCP绑定，通常是 tcpbus.Listener
	Bindings Bindings
}

// NewHTTPProber 创建探测器
func NewHTTPProber(slowThreshold time.Duration) *HTTPProber {
	return &HTTPProber{
		client:        &http.Client{},
		SlowThreshold: slowThreshold,
	}
}

// Probe 实现Prober接口，超时由调用方的ctx控制
func (p *HTTPProber) Probe(ctx context.Context, rec model.ServiceRecord) model.ServiceStatus {
	if strings.HasPrefix(rec.Address, router.TCPScheme) {
		if p.Bindings != nil {
			if p.Bindings.IsBound(rec.Name) {
				return model.StatusActive
			}
			return model.StatusInactive
		}
		return p.probeTCP(ctx, strings.TrimPrefix(rec.Address, router.TCPScheme))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(rec.Address, "/")+"/", nil)
	if err != nil {
		return model.StatusInactive
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return model.StatusInactive
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.StatusDegraded
	}
	if p.SlowThreshold > 0 && time.Since(start) > p.SlowThreshold {
		return model.StatusDegraded
	}
	return model.StatusActive
}

func (p *HTTPProber) probeTCP(ctx context.Context, addr string) model.ServiceStatus {
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return model.StatusInactive
	}
	_ = conn.Close()
	return model.StatusActive
}
