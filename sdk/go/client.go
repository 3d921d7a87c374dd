// Package sdk 是业务服务接入总线的客户端：注册、心跳、经总线调用其他服务，
// 以及通过TCP协议直接与总线交互。
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/pkg/model"
)

// maxResponseBytes 读取总线响应体的上限
const maxResponseBytes = 10 << 20

// Client SDK客户端
type Client struct {
	config Config
	http     *http.Client
	logger   *zap.Logger
	resolver *DNSResolver

	mu            sync.Mutex
	registrations map[string]*registration
	stopChan      chan struct{}
	doneChan      chan struct{}

	// sleep 重试等待，测试中可替换
	sleep func(ctx context.Context, d time.Duration) error
}

type registration struct {
	info  model.ServiceInfo
	state RegistrationState
}

// NewClient 创建SDK客户端
func NewClient(config Config) (*Client, error) {
	config.setDefaults()
	if _, err := url.Parse(config.BusURL); err != nil {
		return nil, fmt.Errorf("总线地址无效: %w", err)
	}
	c := &Client{
		config:        config,
		http:          config.HTTPClient,
		logger:        config.Logger,
		registrations: make(map[string]*registration),
		sleep:         sleepContext,
	}
	if config.DNSServer != "" {
		c.resolver = NewDNSResolver(config.DNSServer, config.DNSDomain, config.Timeout)
	}
	return c, nil
}

// Config 返回生效的配置
func (c *Client) Config() Config {
	return c.config
}

// State 返回服务当前的注册状态
func (c *Client) State(name string) RegistrationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.registrations[name]; ok {
		return reg.state
	}
	return Failed
}

func (c *Client) setState(info model.ServiceInfo, state RegistrationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registrations[info.Name] = &registration{info: info, state: state}
}

func (c *Client) lookup(name string) (registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registrations[name]
	if !ok {
		return registration{}, false
	}
	return *reg, true
}

// buildURL 构建总线API地址
func (c *Client) buildURL(path string) string {
	return c.config.BusURL + path
}

// doRequest 发送JSON请求，返回状态码与响应体
func (c *Client) doRequest(ctx context.Context, method, target string, body interface{}) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("读取响应体失败: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// isUnavailable 判断错误是否表示总线暂时不可达（连接被拒、超时、拨号失败）
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// rawFallback 当HTTP层出现协议级异常时，直接在TCP上写一个等价的HTTP请求。
// 能写出并读回任意内容即视为成功，结果只是尽力而为。
func (c *Client) rawFallback(ctx context.Context, method, path string, body interface{}) error {
	u, err := url.Parse(c.config.BusURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	dctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", host)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.config.Timeout))

	var req bytes.Buffer
	fmt.Fprintf(&req, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&req, "Host: %s\r\n", u.Host)
	req.WriteString("Content-Type: application/json\r\n")
	fmt.Fprintf(&req, "Content-Length: %d\r\n", len(payload))
	req.WriteString("Connection: close\r\n\r\n")
	req.Write(payload)
	if _, err := conn.Write(req.Bytes()); err != nil {
		return err
	}

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if n > 0 {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止心跳并注销所有已注册的服务
func (c *Client) Close(ctx context.Context) error {
	c.StopHeartbeat()

	c.mu.Lock()
	names := make([]string, 0, len(c.registrations))
	for name, reg := range c.registrations {
		if reg.state != Failed {
			names = append(names, name)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := c.Unregister(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
