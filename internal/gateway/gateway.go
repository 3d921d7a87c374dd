// Package gateway 把前端的HTTP请求翻译成总线TCP协议的一次调用，再把响应翻译回HTTP。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/internal/metrics"
	"github.com/hewenyu/prestalab-esb/pkg/wire"
	sdk "github.com/hewenyu/prestalab-esb/sdk/go"
)

// 错误分类，写入响应体的 kind 字段
const (
	KindServiceError      = "service_error"
	KindBusUnavailable    = "bus_unavailable"
	KindTimeout           = "timeout"
	KindMalformedResponse = "malformed_response"
	KindBadRequest        = "bad_request"
	KindInternal          = "internal"
)

// BusClient 向总线发送一次调用并读取一帧响应
type BusClient interface {
	Call(ctx context.Context, service, operation string, payload json.RawMessage) (wire.Response, error)
}

// NewBusClient 创建基于TCP的总线客户端
func NewBusClient(addr string, timeout time.Duration) BusClient {
	return &sdk.TCPClient{Addr: addr, Timeout: timeout}
}

// Options 网关参数
type Options struct {
	Addr    string
	BusAddr string
	Timeout time.Duration
	// MetricsPath 为空时不暴露指标
	MetricsPath string
}

// Request 前端发来的调用
type Request struct {
	Service   string          `json:"service"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrorBody 网关错误响应
type ErrorBody struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
}

// Server HTTP到TCP网关
type Server struct {
	opts   Options
	client BusClient
	logger config.Logger
	echo   *echo.Echo
}

// NewServer 创建网关
func NewServer(opts Options, client BusClient, logger config.Logger) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if client == nil {
		client = NewBusClient(opts.BusAddr, opts.Timeout)
	}
	s := &Server{opts: opts, client: client, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	e.POST("/route", s.routeHandler)
	e.GET("/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":    "pong",
			"timestamp": time.Now().Format(time.RFC3339Nano),
			"bus":       s.opts.BusAddr,
		})
	})
	if opts.MetricsPath != "" {
		e.GET(opts.MetricsPath, echo.WrapHandler(metrics.Handler()))
	}
	s.echo = e
	return s
}

// Handler 返回底层 http.Handler
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start 启动网关（非阻塞）
func (s *Server) Start() error {
	s.logger.Info("启动HTTP到TCP网关", zap.String("addr", s.opts.Addr), zap.String("bus", s.opts.BusAddr))
	go func() {
		if err := s.echo.Start(s.opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("网关启动失败", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭网关...")
	return s.echo.Shutdown(ctx)
}

func (s *Server) routeHandler(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, KindBadRequest, "Solicitud inválida: "+err.Error())
	}
	req.Service = strings.TrimSpace(req.Service)
	if req.Service == "" || req.Operation == "" {
		return s.fail(c, http.StatusBadRequest, KindBadRequest, "service y operation son obligatorios")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.opts.Timeout)
	defer cancel()

	s.logger.Debug("网关转发", zap.String("service", req.Service), zap.String("operation", req.Operation))
	resp, err := s.client.Call(ctx, req.Service, req.Operation, req.Payload)
	if err != nil {
		code, kind, msg := s.classify(err)
		return s.fail(c, code, kind, msg)
	}
	if resp.DuplicatedStatus {
		s.logger.Warn("总线响应中状态码重复", zap.String("service", resp.Service))
	}

	switch {
	case resp.Status == wire.StatusNK:
		msg := fmt.Sprintf("Error del servicio '%s': %s", req.Service, resp.ErrorMessage())
		return s.fail(c, http.StatusBadGateway, KindServiceError, msg)
	case resp.Status == wire.StatusOK && resp.Parsed:
		metrics.IncGatewayRequest("ok")
		return c.JSONBlob(http.StatusOK, resp.Payload)
	default:
		s.logger.Warn("总线响应无法解析", zap.String("raw", resp.Raw))
		return s.fail(c, http.StatusBadGateway, KindMalformedResponse, "Respuesta inválida del Bus SOA (no es JSON)")
	}
}

// classify 把调用错误映射为HTTP状态码，区分总线不可达、超时和协议损坏
func (s *Server) classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return http.StatusServiceUnavailable, KindBusUnavailable,
			fmt.Sprintf("No se pudo conectar al Bus SOA TCP en %s. ¿Está corriendo?", s.opts.BusAddr)
	case isTimeout(err):
		return http.StatusGatewayTimeout, KindTimeout,
			"Timeout: El Bus SOA o el servicio tardaron demasiado en responder."
	case wire.IsDisconnect(err):
		return http.StatusBadGateway, KindMalformedResponse,
			"Respuesta vacía del Bus SOA (no se recibió la longitud)"
	case errors.Is(err, wire.ErrBadLength):
		return http.StatusBadGateway, KindMalformedResponse, "Respuesta malformada del Bus SOA: " + err.Error()
	case errors.Is(err, wire.ErrMalformedBody), errors.Is(err, wire.ErrFrameTooLarge):
		return http.StatusBadRequest, KindBadRequest, "Solicitud inválida: " + err.Error()
	default:
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return http.StatusServiceUnavailable, KindBusUnavailable,
				fmt.Sprintf("No se pudo conectar al Bus SOA TCP en %s: %v", s.opts.BusAddr, err)
		}
		return http.StatusInternalServerError, KindInternal, "Error interno del Gateway: " + err.Error()
	}
}

func (s *Server) fail(c echo.Context, code int, kind, msg string) error {
	metrics.IncGatewayRequest(kind)
	s.logger.Warn("网关请求失败", zap.Int("status", code), zap.String("kind", kind), zap.String("detail", msg))
	return c.JSON(code, ErrorBody{Detail: msg, Kind: kind})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
