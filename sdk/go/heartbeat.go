package sdk

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// SendHeartbeat 发送一次心跳，尽力而为，不返回错误。
// 暂定注册在心跳成功后升级为已确认；总线不认识暂定注册的服务时重新注册一次。
func (c *Client) SendHeartbeat(ctx context.Context, name string) bool {
	hctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	path := "/heartbeat/" + url.PathEscape(name)
	code, _, err := c.doRequest(hctx, http.MethodPost, c.buildURL(path), nil)
	if err != nil {
		if isUnavailable(err) {
			c.logger.Debug("心跳发送失败", zap.String("service", name), zap.Error(err))
			return false
		}
		if ferr := c.rawFallback(ctx, http.MethodPost, path, nil); ferr != nil {
			c.logger.Debug("心跳TCP兜底失败", zap.String("service", name), zap.Error(ferr))
			return false
		}
		return true
	}

	reg, known := c.lookup(name)
	switch {
	case code == http.StatusOK:
		if known && reg.state == Tentative {
			c.setState(reg.info, Confirmed)
			c.logger.Info("暂定注册已被总线确认", zap.String("service", name))
		}
		return true
	case code == http.StatusNotFound && known && reg.state == Tentative:
		state, err := c.registerOnce(ctx, reg.info)
		if state == Failed {
			c.logger.Debug("重新注册失败", zap.String("service", name), zap.Error(err))
			return false
		}
		c.setState(reg.info, state)
		return true
	default:
		c.logger.Debug("心跳被拒绝", zap.String("service", name), zap.Int("status", code))
		return false
	}
}

// StartHeartbeat 开始心跳任务，interval<=0 时使用配置的间隔
func (c *Client) StartHeartbeat(name string, interval time.Duration) {
	// 停止已有心跳任务
	c.StopHeartbeat()
	if interval <= 0 {
		interval = c.config.HeartbeatInterval
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	c.mu.Lock()
	c.stopChan, c.doneChan = stop, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithCancel(context.Background())
				go func() {
					select {
					case <-stop:
						cancel()
					case <-ctx.Done():
					}
				}()
				if !c.SendHeartbeat(ctx, name) {
					c.logger.Debug("心跳未送达，将在下一个周期重试", zap.String("service", name))
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳任务并等待其退出
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	stop, done := c.stopChan, c.doneChan
	c.stopChan, c.doneChan = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
