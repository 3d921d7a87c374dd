package model

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// DefaultRouteTimeoutSeconds 路由调用的默认超时（秒）
const DefaultRouteTimeoutSeconds = 30

// RouteRequest 需要总线转发给目标服务的消息
type RouteRequest struct {
	TargetService string            `json:"target_service"`
	Method        string            `json:"method,omitempty"`
	Endpoint      string            `json:"endpoint,omitempty"`
	// Operation 来自TCP调用帧的操作名，HTTP调用方通常留空
	Operation     string            `json:"operation,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timeout       float64           `json:"timeout,omitempty"` // 秒
}

// Normalize 填充默认值
func (r *RouteRequest) Normalize() {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		if r.Operation != "" && r.Endpoint == "" {
			r.Method = http.MethodPost
		} else {
			r.Method = http.MethodGet
		}
	}
	if r.Endpoint == "" && r.Operation != "" {
		r.Endpoint = "/" + r.Operation
	}
	if r.Endpoint != "" && !strings.HasPrefix(r.Endpoint, "/") {
		r.Endpoint = "/" + r.Endpoint
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultRouteTimeoutSeconds
	}
}

// TimeoutDuration 返回调用超时
func (r RouteRequest) TimeoutDuration() time.Duration {
	if r.Timeout <= 0 {
		return DefaultRouteTimeoutSeconds * time.Second
	}
	return time.Duration(r.Timeout * float64(time.Second))
}

// OperationName 返回发往TCP服务时使用的操作名
func (r RouteRequest) OperationName() string {
	if r.Operation != "" {
		return r.Operation
	}
	return strings.TrimPrefix(r.Endpoint, "/")
}

// RouteResponse 路由调用统一返回的信封
type RouteResponse struct {
	Success    bool        `json:"success"`
	StatusCode *int        `json:"status_code"`
	Data       interface{} `json:"data"`
	Error      string      `json:"error,omitempty"`
	Service    string      `json:"service"`
	Timestamp  time.Time   `json:"timestamp"`
}
