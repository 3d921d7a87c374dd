package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hewenyu/prestalab-esb/pkg/model"
)

// maxResponseBytes 读取目标服务响应体的上限
const maxResponseBytes = 10 << 20

// TraceHeader 透传给目标服务的追踪ID请求头
const TraceHeader = "X-ESB-Trace-Id"

type httpTransport struct {
	client *http.Client
}

func newHTTPTransport() *httpTransport {
	// 超时由每次调用的 context 控制
	return &httpTransport{client: &http.Client{}}
}

func (t *httpTransport) do(ctx context.Context, rec model.ServiceRecord, req model.RouteRequest, traceID string) (outcome, error) {
	httpReq, err := buildRequest(ctx, rec.Address+req.Endpoint, req.Method, req.Payload)
	if err != nil {
		return outcome{}, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set(TraceHeader, traceID)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return outcome{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return outcome{}, err
	}
	return outcome{statusCode: resp.StatusCode, data: decodeBody(body)}, nil
}

// buildRequest GET/DELETE 把载荷对象转为查询参数，其余方法以JSON请求体发送
func buildRequest(ctx context.Context, target, method string, payload json.RawMessage) (*http.Request, error) {
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			params, err := queryParams(payload)
			if err != nil {
				return nil, err
			}
			q := u.Query()
			for k, v := range params {
				q.Set(k, v)
			}
			u.RawQuery = q.Encode()
		}
		return http.NewRequestWithContext(ctx, method, u.String(), nil)
	default:
		var body io.Reader
		if len(payload) > 0 {
			body = bytes.NewReader(payload)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, err
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		return httpReq, nil
	}
}

func queryParams(payload json.RawMessage) (map[string]string, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("payload de GET debe ser un objeto JSON: %w", err)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		case float64, bool:
			out[k] = fmt.Sprint(val)
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out, nil
}

// decodeBody 合法JSON原样返回，否则作为文本返回
func decodeBody(body []byte) interface{} {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return string(body)
}
