// Package router 负责把路由请求分发给目标服务，并记录日志与计数器。
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/internal/metrics"
	"github.com/hewenyu/prestalab-esb/internal/registry"
	"github.com/hewenyu/prestalab-esb/pkg/model"
	"github.com/hewenyu/prestalab-esb/pkg/wire"
)

// TCPScheme 通过 sinit 在TCP连接上注册的服务地址前缀
const TCPScheme = model.TCPScheme

// ErrNoTCPTransport 未配置TCP转发通道
var ErrNoTCPTransport = errors.New("no TCP transport configured")

// ErrMalformedResponse 目标服务返回了无法解析的响应
var ErrMalformedResponse = errors.New("respuesta malformada del servicio")

// TCPTransport 向通过TCP注册的服务转发调用
type TCPTransport interface {
	Forward(ctx context.Context, service, operation string, payload json.RawMessage) (wire.Response, error)
}

// Options 路由参数
type Options struct {
	// BroadcastTimeout 广播时每个服务的超时
	BroadcastTimeout time.Duration
	// BroadcastConcurrency 广播的最大并发数
	BroadcastConcurrency int
}

// Router 路由分发器
type Router struct {
	registry registry.Registry
	logger   config.Logger
	http     *httpTransport
	tcp      TCPTransport
	opts     Options
	now      func() time.Time
}

// NewRouter 创建路由分发器
func NewRouter(reg registry.Registry, logger config.Logger, opts Options) *Router {
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = 10 * time.Second
	}
	if opts.BroadcastConcurrency <= 0 {
		opts.BroadcastConcurrency = 16
	}
	return &Router{
		registry: reg,
		logger:   logger,
		http:     newHTTPTransport(),
		opts:     opts,
		now:      time.Now,
	}
}

// SetTCPTransport 设置TCP转发通道，TCP监听器启动后调用
func (r *Router) SetTCPTransport(t TCPTransport) {
	r.tcp = t
}

// outcome 一次转发的结果
type outcome struct {
	statusCode int
	data       interface{}
	errMsg     string
}

// Route 转发一次请求。总是返回响应信封，不会返回错误，也不会超过请求超时时间阻塞
func (r *Router) Route(ctx context.Context, req model.RouteRequest) model.RouteResponse {
	req.Normalize()
	traceID := uuid.NewString()
	name := req.TargetService
	start := r.now()

	entry := model.MessageLogEntry{
		Timestamp: start,
		Service:   name,
		Method:    req.Method,
		Endpoint:  req.Endpoint,
		TraceID:   traceID,
	}

	rec, ok := r.registry.Get(name)
	if !ok {
		return r.fail(ctx, entry, model.OutcomeError, model.CounterTotalErrors,
			fmt.Sprintf("Servicio '%s' no encontrado en el registro", name))
	}
	if rec.Status == model.StatusInactive {
		return r.fail(ctx, entry, model.OutcomeError, model.CounterTotalErrors,
			fmt.Sprintf("Servicio '%s' está inactivo", name))
	}

	r.logger.Info("路由消息",
		zap.String("event", "ROUTE"),
		zap.String("trace_id", traceID),
		zap.String("service", name),
		zap.String("method", req.Method),
		zap.String("endpoint", req.Endpoint))

	cctx, cancel := context.WithTimeout(ctx, req.TimeoutDuration())
	defer cancel()

	var (
		res outcome
		err error
	)
	if strings.HasPrefix(rec.Address, TCPScheme) {
		res, err = r.forwardTCP(cctx, rec, req)
	} else {
		res, err = r.http.do(cctx, rec, req, traceID)
	}
	entry.LatencyMs = float64(r.now().Sub(start).Microseconds()) / 1000

	if err != nil {
		if isTimeout(err) {
			return r.fail(ctx, entry, model.OutcomeTimeout, model.CounterTimeoutErrors,
				fmt.Sprintf("Timeout al comunicarse con %s", name))
		}
		return r.fail(ctx, entry, model.OutcomeError, model.CounterTotalErrors,
			fmt.Sprintf("Error: %v", err))
	}

	code := res.statusCode
	entry.Outcome = model.OutcomeSuccess
	entry.StatusCode = &code
	r.registry.AppendLog(context.WithoutCancel(ctx), entry)
	r.registry.IncrementCounter(context.WithoutCancel(ctx), model.CounterTotalMessages, 1)
	metrics.ObserveRoute(name, string(model.OutcomeSuccess), entry.LatencyMs/1000)

	resp := model.RouteResponse{
		Success:    code < 400,
		StatusCode: &code,
		Data:       res.data,
		Service:    name,
		Timestamp:  r.now(),
	}
	if code >= 400 {
		resp.Error = res.errMsg
		if resp.Error == "" {
			resp.Error = fmt.Sprintf("El servicio respondió con estado %d", code)
		}
	}

	r.logger.Info("收到响应",
		zap.String("event", "RESPONSE"),
		zap.String("trace_id", traceID),
		zap.String("service", name),
		zap.Int("status_code", code),
		zap.Float64("latency_ms", entry.LatencyMs))
	return resp
}

func (r *Router) fail(ctx context.Context, entry model.MessageLogEntry, oc model.Outcome, counter, msg string) model.RouteResponse {
	entry.Outcome = oc
	entry.Error = msg
	r.registry.AppendLog(context.WithoutCancel(ctx), entry)
	r.registry.IncrementCounter(context.WithoutCancel(ctx), counter, 1)
	metrics.ObserveRoute(entry.Service, string(oc), entry.LatencyMs/1000)

	r.logger.Warn("路由失败",
		zap.String("event", "ERROR"),
		zap.String("trace_id", entry.TraceID),
		zap.String("service", entry.Service),
		zap.String("outcome", string(oc)),
		zap.String("error", msg))

	return model.RouteResponse{
		Success:   false,
		Error:     msg,
		Service:   entry.Service,
		Timestamp: r.now(),
	}
}

func (r *Router) forwardTCP(ctx context.Context, rec model.ServiceRecord, req model.RouteRequest) (outcome, error) {
	if r.tcp == nil {
		return outcome{}, ErrNoTCPTransport
	}
	resp, err := r.tcp.Forward(ctx, rec.Name, req.OperationName(), req.Payload)
	if err != nil {
		return outcome{}, err
	}
	if !resp.Parsed {
		return outcome{}, fmt.Errorf("%w: %q", ErrMalformedResponse, resp.Raw)
	}
	if resp.OK() {
		return outcome{statusCode: 200, data: resp.Payload}, nil
	}
	return outcome{statusCode: 502, data: resp.Payload, errMsg: resp.ErrorMessage()}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
