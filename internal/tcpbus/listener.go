// Package tcpbus 实现总线的TCP监听器：接受长度前缀帧，处理服务注册与调用转发。
package tcpbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/internal/metrics"
	"github.com/hewenyu/prestalab-esb/internal/registry"
	"github.com/hewenyu/prestalab-esb/internal/router"
	"github.com/hewenyu/prestalab-esb/pkg/model"
	"github.com/hewenyu/prestalab-esb/pkg/wire"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultHeartbeat    = 10 * time.Second
	cleanupTimeout      = 3 * time.Second
)

// Router 监听器依赖的路由能力
type Router interface {
	Route(ctx context.Context, req model.RouteRequest) model.RouteResponse
}

// Options 监听器参数
type Options struct {
	// Addr 监听地址，如 ":5000"
	Addr string
	// RouteTimeout 来自TCP客户端的调用的路由超时
	RouteTimeout time.Duration
	// WriteTimeout 单帧写超时
	WriteTimeout time.Duration
	// HeartbeatRefresh 已绑定连接上的帧刷新注册心跳的最小间隔
	HeartbeatRefresh time.Duration
}

// Listener TCP监听器，同时实现 router.TCPTransport
type Listener struct {
	opts     Options
	registry registry.Registry
	router   Router
	logger   config.Logger

	ln      net.Listener
	closing atomic.Bool
	wg      sync.WaitGroup

	mu       sync.Mutex
	bindings map[string]*busConn
	conns    map[*busConn]struct{}
}

var _ router.TCPTransport = (*Listener)(nil)

// NewListener 创建TCP监听器
func NewListener(opts Options, reg registry.Registry, rt Router, logger config.Logger) *Listener {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.HeartbeatRefresh <= 0 {
		opts.HeartbeatRefresh = defaultHeartbeat
	}
	if opts.RouteTimeout <= 0 {
		opts.RouteTimeout = model.DefaultRouteTimeoutSeconds * time.Second
	}
	return &Listener{
		opts:     opts,
		registry: reg,
		router:   rt,
		logger:   logger,
		bindings: make(map[string]*busConn),
		conns:    make(map[*busConn]struct{}),
	}
}

// Start 开始监听并在后台接受连接
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.opts.Addr)
	if err != nil {
		return fmt.Errorf("TCP监听失败: %w", err)
	}
	l.ln = ln
	l.logger.Info("启动TCP总线监听器", zap.String("addr", ln.Addr().String()))

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Addr 返回实际监听地址，端口为0时有用
func (l *Listener) Addr() string {
	if l.ln == nil {
		return l.opts.Addr
	}
	return l.ln.Addr().String()
}

// Shutdown 关闭监听器和所有连接，等待处理协程退出
func (l *Listener) Shutdown(ctx context.Context) error {
	l.logger.Info("正在关闭TCP总线监听器...")
	l.closing.Store(true)
	if l.ln != nil {
		_ = l.ln.Close()
	}

	l.mu.Lock()
	for c := range l.conns {
		_ = c.nc.Close()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.logger.Info("TCP总线监听器已关闭")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if l.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("接受TCP连接失败", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c := newBusConn(nc)
		l.mu.Lock()
		l.conns[c] = struct{}{}
		l.mu.Unlock()
		metrics.TCPConnOpened()

		l.wg.Add(1)
		go l.serveConn(c)
	}
}

// serveConn 处理单条连接直到断开。
// 未注册的连接按顺序同步处理调用；已注册的服务连接上的调用并发处理，避免阻塞响应的读取。
func (l *Listener) serveConn(c *busConn) {
	defer l.wg.Done()
	defer l.dropConn(c)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("TCP连接处理发生panic", zap.String("remote", c.remote), zap.Any("panic", r))
		}
	}()

	l.logger.Debug("TCP连接建立", zap.String("remote", c.remote))
	for {
		body, err := wire.ReadFrame(c.nc)
		if err != nil {
			if !wire.IsDisconnect(err) && !l.closing.Load() && !errors.Is(err, net.ErrClosed) {
				l.logger.Warn("读取帧失败，关闭连接", zap.String("remote", c.remote), zap.Error(err))
			}
			return
		}

		if wire.IsRegistration(body) {
			l.handleRegistration(c, body)
			continue
		}
		l.touch(c)

		resp := wire.DecodeResponse(body)
		if resp.Tag != "" && l.boundName(c) != "" && isStatus(resp.Status) {
			if !c.resolve(resp) {
				l.logger.Debug("丢弃无人等待的响应", zap.String("remote", c.remote), zap.String("tag", resp.Tag))
			}
			continue
		}

		if l.boundName(c) == "" {
			l.handleCall(c, body)
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleCall(c, body)
		}()
	}
}

func (l *Listener) handleRegistration(c *busConn, body []byte) {
	name, err := wire.ParseRegistration(body)
	if err != nil {
		l.logger.Warn("无效的注册帧", zap.String("remote", c.remote), zap.Error(err))
		_ = c.writeFrame([]byte(wire.StatusNK), l.writeDeadline())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	rec := model.ServiceRecord{
		Name:        name,
		Address:     router.TCPScheme + c.remote,
		Description: "Servicio " + name,
		Version:     model.DefaultVersion,
		Endpoints:   []string{},
	}
	if _, err := l.registry.Register(ctx, rec); err != nil {
		l.logger.Error("TCP服务注册失败", zap.String("service", name), zap.Error(err))
		_ = c.writeFrame([]byte(wire.StatusNK), l.writeDeadline())
		return
	}

	l.mu.Lock()
	if c.name != "" && c.name != name && l.bindings[c.name] == c {
		delete(l.bindings, c.name)
	}
	c.name = name
	l.bindings[name] = c
	l.mu.Unlock()
	c.touched = time.Now()

	l.logger.Info("TCP服务已绑定", zap.String("event", "REGISTER"), zap.String("service", name), zap.String("remote", c.remote))
	if err := c.writeFrame([]byte(wire.StatusOK), l.writeDeadline()); err != nil {
		l.logger.Warn("写注册确认失败", zap.String("service", name), zap.Error(err))
	}
}

func (l *Listener) handleCall(c *busConn, body []byte) {
	call, err := wire.DecodeCall(body)
	if err != nil {
		service := ""
		if len(body) >= model.WireNameWidth {
			service = string(body[:model.WireNameWidth])
		}
		l.logger.Warn("无效的调用帧", zap.String("remote", c.remote), zap.Error(err))
		l.reply(c, service, "", false, wire.NKPayload(fmt.Sprintf("Error: %v", err)))
		return
	}

	resp := l.router.Route(context.Background(), model.RouteRequest{
		TargetService: l.resolveName(call.Service),
		Operation:     call.Operation,
		Payload:       call.Payload,
		Timeout:       l.opts.RouteTimeout.Seconds(),
	})

	if !resp.Success {
		l.reply(c, call.Service, call.Tag, false, wire.NKPayload(resp.Error))
		return
	}
	payload, err := json.Marshal(resp.Data)
	if err != nil || resp.Data == nil {
		payload = json.RawMessage(`{}`)
	}
	l.reply(c, call.Service, call.Tag, true, payload)
}

func (l *Listener) reply(c *busConn, service, tag string, ok bool, payload json.RawMessage) {
	body, err := wire.EncodeTaggedResponse(service, tag, ok, payload)
	if errors.Is(err, wire.ErrFrameTooLarge) {
		body, err = wire.EncodeTaggedResponse(service, tag, false, wire.NKPayload("respuesta demasiado grande"))
	}
	if err != nil {
		l.logger.Error("编码响应失败", zap.String("service", service), zap.Error(err))
		return
	}
	if err := c.writeFrame(body, l.writeDeadline()); err != nil {
		l.logger.Warn("写响应失败", zap.String("remote", c.remote), zap.Error(err))
	}
}

// Forward 通过已绑定的连接向TCP服务发送带标识的调用并等待对应响应
func (l *Listener) Forward(ctx context.Context, service, operation string, payload json.RawMessage) (wire.Response, error) {
	l.mu.Lock()
	c := l.bindings[service]
	l.mu.Unlock()
	if c == nil {
		return wire.Response{}, fmt.Errorf("servicio %s sin conexión TCP activa", service)
	}

	tag := wire.NewTag()
	body, err := wire.EncodeTaggedCall(service, tag, operation, payload)
	if err != nil {
		return wire.Response{}, err
	}
	ch, err := c.addPending(tag)
	if err != nil {
		return wire.Response{}, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(l.opts.WriteTimeout)
	}
	if err := c.writeFrame(body, deadline); err != nil {
		c.removePending(tag)
		return wire.Response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return wire.Response{}, ErrConnectionClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.removePending(tag)
		return wire.Response{}, ctx.Err()
	}
}

// IsBound 服务是否仍持有总线上的TCP连接
func (l *Listener) IsBound(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.bindings[name]
	return ok
}

// touch 把已绑定连接上收到的帧当作该服务的心跳，按 HeartbeatRefresh 节流
func (l *Listener) touch(c *busConn) {
	if time.Since(c.touched) < l.opts.HeartbeatRefresh {
		return
	}
	l.mu.Lock()
	name := c.name
	owned := name != "" && l.bindings[name] == c
	l.mu.Unlock()
	if !owned {
		return
	}
	c.touched = time.Now()
	if rec, ok := l.registry.Get(name); !ok || rec.Address != router.TCPScheme+c.remote {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := l.registry.Heartbeat(ctx, name); err != nil {
		l.logger.Warn("刷新TCP服务心跳失败", zap.String("service", name), zap.Error(err))
	}
}

// Bound 返回当前通过TCP绑定的服务名
func (l *Listener) Bound() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.bindings))
	for name := range l.bindings {
		names = append(names, name)
	}
	return names
}

func (l *Listener) boundName(c *busConn) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return c.name
}

// dropConn 释放连接：解除绑定，让等待中的调用失败，并在注册记录仍指向该连接时注销服务
func (l *Listener) dropConn(c *busConn) {
	_ = c.nc.Close()
	failed := c.failPending()

	l.mu.Lock()
	delete(l.conns, c)
	name := c.name
	owned := name != "" && l.bindings[name] == c
	if owned {
		delete(l.bindings, name)
	}
	l.mu.Unlock()
	metrics.TCPConnClosed()

	l.logger.Debug("TCP连接断开", zap.String("remote", c.remote), zap.Int("failed_pending", failed))
	if !owned {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	removed, err := l.registry.UnregisterIfAddress(ctx, name, router.TCPScheme+c.remote)
	if err != nil {
		l.logger.Warn("断开后注销服务失败", zap.String("service", name), zap.Error(err))
		return
	}
	if removed {
		l.logger.Info("TCP服务断开，已注销", zap.String("service", name))
	}
}

// resolveName 帧中的服务名只有5个字符，精确匹配失败时按定长形式唯一匹配已注册服务
func (l *Listener) resolveName(wireName string) string {
	if _, ok := l.registry.Get(wireName); ok {
		return wireName
	}
	match := ""
	for _, rec := range l.registry.List() {
		if strings.TrimRight(model.WireName(rec.Name), " ") != wireName {
			continue
		}
		if match != "" {
			return wireName
		}
		match = rec.Name
	}
	if match == "" {
		return wireName
	}
	return match
}

func (l *Listener) writeDeadline() time.Time {
	return time.Now().Add(l.opts.WriteTimeout)
}

func isStatus(s string) bool {
	return s == wire.StatusOK || s == wire.StatusNK
}
