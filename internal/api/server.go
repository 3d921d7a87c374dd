// Package api 提供总线的HTTP门面：注册、发现、路由、心跳、日志、统计与广播。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/internal/metrics"
	"github.com/hewenyu/prestalab-esb/internal/registry"
	"github.com/hewenyu/prestalab-esb/internal/router"
	"github.com/hewenyu/prestalab-esb/pkg/model"
)

// Router 门面依赖的路由能力
type Router interface {
	Route(ctx context.Context, req model.RouteRequest) model.RouteResponse
	Broadcast(ctx context.Context, payload json.RawMessage) map[string]router.BroadcastResult
}

// HealthChecker 按需探测服务健康状态
type HealthChecker interface {
	Probe(ctx context.Context, name string) (model.ServiceStatus, bool, error)
}

// Options 门面参数
type Options struct {
	Addr        string
	CORSOrigins []string
	// Persistence 展示给调用方的存储描述，如 "SQLite (./bus_data.db)"
	Persistence string
	Version     string
	// MetricsPath 为空时不暴露指标
	MetricsPath string
}

// Server HTTP门面
type Server struct {
	opts     Options
	registry registry.Registry
	router   Router
	health   HealthChecker
	logger   config.Logger
	echo     *echo.Echo
}

// NewServer 创建HTTP门面并注册全部路由
func NewServer(opts Options, reg registry.Registry, rt Router, hc HealthChecker, logger config.Logger) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		opts:     opts,
		registry: reg,
		router:   rt,
		health:   hc,
		logger:   logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
	}))

	s.echo = e
	s.registerRoutes()
	return s
}

// registerRoutes 注册路由
func (s *Server) registerRoutes() {
	e := s.echo
	e.GET("/", s.rootHandler)
	e.POST("/register", s.registerHandler)
	e.DELETE("/unregister/:name", s.unregisterHandler)
	e.GET("/discover", s.discoverHandler)
	e.POST("/route", s.routeHandler)
	e.GET("/health/:name", s.healthHandler)
	e.POST("/heartbeat/:name", s.heartbeatHandler)
	e.GET("/logs", s.logsHandler)
	e.GET("/stats", s.statsHandler)
	e.POST("/broadcast", s.broadcastHandler)
	e.GET("/ping", s.pingHandler)

	if s.opts.MetricsPath != "" {
		e.GET(s.opts.MetricsPath, echo.WrapHandler(metrics.Handler()))
	}
}

// Handler 返回底层 http.Handler
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start 启动服务（非阻塞）
func (s *Server) Start() error {
	s.logger.Info("启动HTTP门面", zap.String("addr", s.opts.Addr))
	go func() {
		if err := s.echo.Start(s.opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP门面启动失败", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭HTTP门面...")
	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Error("关闭HTTP门面出错", zap.Error(err))
		return err
	}
	return nil
}

// requestLogger 用zap记录每个请求
func requestLogger(logger config.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				logger.Warn("HTTP请求", fields...)
				return nil
			}
			logger.Debug("HTTP请求", fields...)
			return nil
		},
	})
}

func detail(msg string) model.ApiResponse {
	return model.ApiResponse{Detail: msg}
}

func timestamp() string {
	return time.Now().Format(time.RFC3339Nano)
}
