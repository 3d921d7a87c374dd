// Package dnsserver 以DNS记录的形式发布总线注册中心里的服务地址。
package dnsserver

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/pkg/model"
)

// ServiceLookup DNS服务器所需的注册中心只读视图
type ServiceLookup interface {
	Get(name string) (model.ServiceRecord, bool)
}

// Resolver 把主机名解析为IP，地址中是主机名而非IP时使用
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Server DNS服务器
type Server struct {
	udpServer *dns.Server
	tcpServer *dns.Server
	cfg       config.DNSConfig
	lookup    ServiceLookup
	resolver  Resolver
	upstream  *upstream
	logger    config.Logger
}

// NewServer 创建一个新的DNS服务器
func NewServer(cfg config.DNSConfig, lookup ServiceLookup, logger config.Logger) *Server {
	if cfg.Domain == "" {
		cfg.Domain = "esb.local"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 30
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	s := &Server{
		cfg:      cfg,
		lookup:   lookup,
		resolver: net.DefaultResolver,
		logger:   logger,
	}
	if len(cfg.Upstream) > 0 {
		s.upstream = newUpstream(cfg.Upstream, cfg.Timeout)
	}
	return s
}

// SetResolver 替换主机名解析器
func (s *Server) SetResolver(r Resolver) {
	s.resolver = r
}

// Handler 返回处理查询的 dns.Handler
func (s *Server) Handler() dns.Handler {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSRequest)
	return mux
}

// Start 启动DNS服务器，进入服务状态后返回
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(s.cfg.Port))
	s.logger.Info("启动DNS服务器",
		zap.String("address", addr),
		zap.String("protocol", s.cfg.Protocol),
		zap.String("domain", s.cfg.Domain))

	handler := s.Handler()
	switch s.cfg.Protocol {
	case "udp":
		return s.startUDPServer(addr, handler)
	case "tcp":
		return s.startTCPServer(addr, handler)
	case "both":
		if err := s.startUDPServer(addr, handler); err != nil {
			return err
		}
		return s.startTCPServer(addr, handler)
	default:
		return fmt.Errorf("不支持的DNS协议: %s", s.cfg.Protocol)
	}
}

func (s *Server) startUDPServer(addr string, handler dns.Handler) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("监听UDP %s 失败: %w", addr, err)
	}
	s.udpServer = &dns.Server{PacketConn: pc, Net: "udp", Handler: handler}
	return s.serve(s.udpServer)
}

func (s *Server) startTCPServer(addr string, handler dns.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听TCP %s 失败: %w", addr, err)
	}
	s.tcpServer = &dns.Server{Listener: ln, Net: "tcp", Handler: handler}
	return s.serve(s.tcpServer)
}

// serve 在后台运行服务器并等待其进入服务状态
func (s *Server) serve(srv *dns.Server) error {
	started := make(chan struct{})
	failed := make(chan error, 1)
	srv.NotifyStartedFunc = func() { close(started) }
	go func() {
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error("DNS服务器错误", zap.String("net", srv.Net), zap.Error(err))
			failed <- err
		}
	}()
	select {
	case <-started:
		return nil
	case err := <-failed:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("DNS服务器 (%s) 启动超时", srv.Net)
	}
}

// UDPAddr 返回实际监听的UDP地址
func (s *Server) UDPAddr() string {
	if s.udpServer == nil || s.udpServer.PacketConn == nil {
		return ""
	}
	return s.udpServer.PacketConn.LocalAddr().String()
}

// TCPAddr 返回实际监听的TCP地址
func (s *Server) TCPAddr() string {
	if s.tcpServer == nil || s.tcpServer.Listener == nil {
		return ""
	}
	return s.tcpServer.Listener.Addr().String()
}

// Shutdown 优雅关闭DNS服务器
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭DNS服务器...")
	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭UDP DNS服务器出错", zap.Error(err))
			return err
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭TCP DNS服务器出错", zap.Error(err))
			return err
		}
	}
	return nil
}

func (s *Server) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	if s.upstream != nil && len(r.Question) > 0 && !s.inDomain(r.Question[0].Name) {
		s.forward(w, r)
		return
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		s.logger.Debug("收到DNS查询",
			zap.String("name", q.Name),
			zap.String("type", dns.TypeToString[q.Qtype]))

		if !s.answer(q, m) {
			m.SetRcode(r, dns.RcodeNameError)
		}
	}

	if err := w.WriteMsg(m); err != nil {
		s.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}

func (s *Server) forward(w dns.ResponseWriter, r *dns.Msg) {
	resp, err := s.upstream.resolve(r)
	if err != nil {
		s.logger.Warn("转发到上游DNS失败", zap.String("name", r.Question[0].Name), zap.Error(err))
		resp = new(dns.Msg)
		resp.SetRcode(r, dns.RcodeServerFailure)
	}
	if err := w.WriteMsg(resp); err != nil {
		s.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}

func (s *Server) inDomain(qname string) bool {
	name := strings.TrimSuffix(strings.ToLower(qname), ".")
	return strings.HasSuffix(name, "."+strings.ToLower(s.cfg.Domain))
}

// serviceName 从 <name>.<domain> 中取出服务名，不属于本域时返回 false
func (s *Server) serviceName(qname string) (string, bool) {
	if !s.inDomain(qname) {
		return "", false
	}
	name := strings.TrimSuffix(strings.ToLower(qname), ".")
	name = strings.TrimSuffix(name, "."+strings.ToLower(s.cfg.Domain))
	// SRV 风格的 _name._tcp.<domain>
	name = strings.TrimSuffix(name, "._tcp")
	name = strings.TrimPrefix(name, "_")
	if name == "" || strings.Contains(name, ".") {
		return "", false
	}
	return name, true
}

// answer 为单个问题填充回答，服务不存在或不可路由时返回 false
func (s *Server) answer(q dns.Question, m *dns.Msg) bool {
	name, ok := s.serviceName(q.Name)
	if !ok {
		return false
	}
	rec, ok := s.lookup.Get(name)
	if !ok {
		return false
	}
	if rec.Status != model.StatusActive && rec.Status != model.StatusDegraded {
		s.logger.Debug("服务不可路由，不返回记录", zap.String("service", name), zap.String("status", string(rec.Status)))
		return false
	}

	host, port := splitAddress(rec.Address)
	hdr := func(t uint16) dns.RR_Header {
		return dns.RR_Header{Name: q.Name, Rrtype: t, Class: dns.ClassINET, Ttl: s.cfg.TTL}
	}

	switch q.Qtype {
	case dns.TypeA, dns.TypeAAAA:
		for _, ip := range s.resolve(host) {
			if v4 := ip.To4(); v4 != nil && q.Qtype == dns.TypeA {
				m.Answer = append(m.Answer, &dns.A{Hdr: hdr(dns.TypeA), A: v4})
			} else if v4 == nil && q.Qtype == dns.TypeAAAA {
				m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr(dns.TypeAAAA), AAAA: ip})
			}
		}
	case dns.TypeSRV:
		target := dns.Fqdn(name + "." + s.cfg.Domain)
		m.Answer = append(m.Answer, &dns.SRV{
			Hdr:      hdr(dns.TypeSRV),
			Priority: 10,
			Weight:   10,
			Port:     port,
			Target:   target,
		})
		for _, ip := range s.resolve(host) {
			if v4 := ip.To4(); v4 != nil {
				m.Extra = append(m.Extra, &dns.A{
					Hdr: dns.RR_Header{Name: target, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: s.cfg.TTL},
					A:   v4,
				})
			}
		}
	case dns.TypeTXT:
		version := rec.Version
		if version == "" {
			version = model.DefaultVersion
		}
		m.Answer = append(m.Answer, &dns.TXT{
			Hdr: hdr(dns.TypeTXT),
			Txt: []string{"status=" + string(rec.Status), "version=" + version, "url=" + rec.Address},
		})
	default:
		s.logger.Debug("不支持的DNS记录类型", zap.String("type", dns.TypeToString[q.Qtype]))
		return false
	}
	// 服务存在但没有该类型的记录时返回空回答 (NODATA)
	return true
}

func (s *Server) resolve(host string) []net.IP {
	if host == "" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addrs, err := s.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		s.logger.Debug("解析服务主机失败", zap.String("host", host), zap.Error(err))
		return nil
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips
}

// splitAddress 从服务地址 (http://host:port 或 tcp://host:port) 中取出主机和端口
func splitAddress(address string) (string, uint16) {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return "", 0
	}
	host := u.Hostname()
	p := u.Port()
	if p == "" {
		switch u.Scheme {
		case "https":
			p = "443"
		default:
			p = "80"
		}
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return host, 0
	}
	return host, uint16(n)
}
