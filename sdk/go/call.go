package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/pkg/model"
)

// ErrNotDelivered 经总线和直连都未能完成调用
var ErrNotDelivered = errors.New("llamada no entregada")

// routeEnvelope 总线 /route 返回的信封
type routeEnvelope struct {
	Success    bool            `json:"success"`
	StatusCode *int            `json:"status_code"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error"`
}

// CallViaBus 先经总线 /route 调用目标服务；总线没有真正送达时，
// 以服务名作为主机名按约定端口直连目标服务。
func (c *Client) CallViaBus(ctx context.Context, target, method, path string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = model.DefaultRouteTimeoutSeconds * time.Second
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化调用参数失败: %w", err)
		}
		raw = b
	}

	data, busErr := c.callBus(ctx, target, method, path, raw, timeout)
	if busErr == nil {
		return data, nil
	}
	c.logger.Warn("经总线调用失败，尝试直连",
		zap.String("target", target),
		zap.String("path", path),
		zap.Error(busErr))

	data, directErr := c.callDirect(ctx, target, method, path, raw, timeout)
	if directErr == nil {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s: bus: %v; directo: %v", ErrNotDelivered, target, busErr, directErr)
}

func (c *Client) callBus(ctx context.Context, target, method, path string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout+c.config.Timeout)
	defer cancel()

	req := model.RouteRequest{
		TargetService: target,
		Method:        method,
		Endpoint:      path,
		Payload:       payload,
		Timeout:       timeout.Seconds(),
	}
	code, body, err := c.doRequest(cctx, http.MethodPost, c.buildURL("/route"), req)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("el bus respondió con estado %d", code)
	}

	var env routeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("respuesta del bus no es un sobre válido: %w", err)
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = "Error desconocido"
		}
		return nil, errors.New(env.Error)
	}
	if len(env.Data) == 0 {
		return json.RawMessage(`null`), nil
	}
	return env.Data, nil
}

func (c *Client) callDirect(ctx context.Context, target, method, path string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := "http://" + c.directAddr(cctx, target) + path
	var body interface{}
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		q, err := queryString(payload)
		if err != nil {
			return nil, err
		}
		if q != "" {
			u += "?" + q
		}
	default:
		if len(payload) > 0 {
			body = payload
		}
	}

	code, respBody, err := c.doRequest(cctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if code >= 400 {
		return nil, fmt.Errorf("el servicio respondió con estado %d", code)
	}
	if len(respBody) == 0 {
		return json.RawMessage(`null`), nil
	}
	if json.Valid(respBody) {
		return json.RawMessage(respBody), nil
	}
	out, _ := json.Marshal(string(respBody))
	return out, nil
}

// directAddr 返回直连目标的 host:port，配置了总线DNS时优先使用SRV记录
func (c *Client) directAddr(ctx context.Context, target string) string {
	if c.resolver != nil {
		addr, err := c.resolver.Resolve(ctx, target)
		if err == nil {
			return addr
		}
		c.logger.Debug("DNS解析失败，使用服务名直连", zap.String("target", target), zap.Error(err))
	}
	return net.JoinHostPort(target, strconv.Itoa(c.config.DirectPort))
}

// queryString 把JSON对象参数转成查询串
func queryString(payload json.RawMessage) (string, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return "", nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return "", fmt.Errorf("los parámetros deben ser un objeto JSON: %w", err)
	}
	values := url.Values{}
	for k, v := range obj {
		switch tv := v.(type) {
		case string:
			values.Set(k, tv)
		default:
			b, _ := json.Marshal(tv)
			values.Set(k, string(b))
		}
	}
	return values.Encode(), nil
}
