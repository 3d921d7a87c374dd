package router

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/prestalab-esb/pkg/model"
)

// BroadcastOperation 广播使用的路径/操作名
const BroadcastOperation = "broadcast"

// BroadcastResult 单个服务的广播结果
type BroadcastResult struct {
	Success    bool        `json:"success"`
	StatusCode *int        `json:"status_code,omitempty"`
	Response   interface{} `json:"response,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Broadcast 经由 Route 向所有已注册服务并发发送 POST /broadcast，整体不会失败
func (r *Router) Broadcast(ctx context.Context, payload json.RawMessage) map[string]BroadcastResult {
	services := r.registry.List()
	results := make(map[string]BroadcastResult, len(services))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.BroadcastConcurrency)
	for _, rec := range services {
		rec := rec
		g.Go(func() error {
			res := r.broadcastOne(gctx, rec, payload)
			mu.Lock()
			results[rec.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("广播完成",
		zap.String("event", "BROADCAST"),
		zap.Int("services", len(services)))
	return results
}

func (r *Router) broadcastOne(ctx context.Context, rec model.ServiceRecord, payload json.RawMessage) BroadcastResult {
	resp := r.Route(ctx, model.RouteRequest{
		TargetService: rec.Name,
		Method:        "POST",
		Endpoint:      "/" + BroadcastOperation,
		Operation:     BroadcastOperation,
		Payload:       payload,
		Timeout:       r.opts.BroadcastTimeout.Seconds(),
	})
	return BroadcastResult{
		Success:    resp.Success,
		StatusCode: resp.StatusCode,
		Response:   resp.Data,
		Error:      resp.Error,
	}
}
