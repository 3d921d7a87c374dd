package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/pkg/model"
)

// RegistrationState 注册结果
type RegistrationState int

const (
	// Failed 重试耗尽仍未注册，服务继续运行但不可被发现
	Failed RegistrationState = iota
	// Tentative 通过TCP兜底写出了注册请求，未得到HTTP层面的确认
	Tentative
	// Confirmed 总线确认注册成功
	Confirmed
)

func (s RegistrationState) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Tentative:
		return "tentative"
	default:
		return "failed"
	}
}

// Register 向总线注册服务，按线性增长的间隔重试，失败时不会panic
func (c *Client) Register(ctx context.Context, info model.ServiceInfo) RegistrationState {
	if info.Version == "" {
		info.Version = model.DefaultVersion
	}
	if info.Description == "" {
		info.Description = "Servicio " + info.Name
	}
	if info.Endpoints == nil {
		info.Endpoints = []string{}
	}

	for attempt := 1; attempt <= c.config.RetryCount; attempt++ {
		state, err := c.registerOnce(ctx, info)
		if state != Failed {
			c.setState(info, state)
			c.logger.Info("服务已注册到总线",
				zap.String("service", info.Name),
				zap.String("state", state.String()),
				zap.Int("endpoints", len(info.Endpoints)))
			return state
		}
		c.logger.Warn("注册到总线失败",
			zap.String("service", info.Name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.config.RetryCount),
			zap.Error(err))

		if attempt < c.config.RetryCount {
			if err := c.sleep(ctx, c.config.RetryDelay*time.Duration(attempt)); err != nil {
				break
			}
		}
	}

	c.setState(info, Failed)
	c.logger.Error("无法注册到总线，服务将继续运行但不可被发现",
		zap.String("service", info.Name),
		zap.String("bus", c.config.BusURL))
	return Failed
}

// registerOnce 进行一次注册尝试
func (c *Client) registerOnce(ctx context.Context, info model.ServiceInfo) (RegistrationState, error) {
	rctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	code, body, err := c.doRequest(rctx, http.MethodPost, c.buildURL("/register"), info)
	if err == nil {
		if code == http.StatusOK || code == http.StatusCreated {
			return Confirmed, nil
		}
		return Failed, fmt.Errorf("总线返回状态码 %d: %s", code, body)
	}
	if isUnavailable(err) {
		return Failed, err
	}

	// 协议级异常，尝试TCP兜底
	if ferr := c.rawFallback(ctx, http.MethodPost, "/register", info); ferr != nil {
		return Failed, fmt.Errorf("%v; TCP兜底失败: %w", err, ferr)
	}
	return Tentative, nil
}

// Unregister 从总线注销服务，服务不存在时视为成功
func (c *Client) Unregister(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	code, body, err := c.doRequest(ctx, http.MethodDelete, c.buildURL("/unregister/"+url.PathEscape(name)), nil)
	if err != nil {
		return fmt.Errorf("服务注销失败: %w", err)
	}
	if code != http.StatusOK && code != http.StatusNotFound {
		return fmt.Errorf("服务注销失败: 状态码 %d: %s", code, body)
	}

	c.mu.Lock()
	delete(c.registrations, name)
	c.mu.Unlock()
	return nil
}

// DiscoveredService discover 接口返回的服务信息
type DiscoveredService struct {
	URL           string              `json:"url"`
	Description   string              `json:"description"`
	Version       string              `json:"version"`
	Status        model.ServiceStatus `json:"status"`
	Endpoints     []string            `json:"endpoints"`
	LastHeartbeat *string             `json:"last_heartbeat"`
}

// Discover 列出总线上的全部服务
func (c *Client) Discover(ctx context.Context) (map[string]DiscoveredService, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	code, body, err := c.doRequest(ctx, http.MethodGet, c.buildURL("/discover"), nil)
	if err != nil {
		return nil, fmt.Errorf("服务发现失败: %w", err)
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("服务发现失败: 状态码 %d", code)
	}

	var out struct {
		Services map[string]DiscoveredService `json:"services"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("解析服务列表失败: %w", err)
	}
	if out.Services == nil {
		out.Services = map[string]DiscoveredService{}
	}
	return out.Services, nil
}
