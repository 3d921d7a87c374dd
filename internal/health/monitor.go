// Package health 周期性检查心跳过期的服务，并把主动探测的结果写回注册中心。
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/internal/registry"
	"github.com/hewenyu/prestalab-esb/pkg/model"
)

// Options 监控参数
type Options struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	ProbeTimeout time.Duration
	Concurrency  int
}

// OptionsFromConfig 从配置构造监控参数
func OptionsFromConfig(cfg config.HealthConfig) Options {
	return Options{
		Interval:     cfg.Interval,
		StaleAfter:   cfg.StaleAfter,
		ProbeTimeout: cfg.ProbeTimeout,
		Concurrency:  cfg.Concurrency,
	}
}

// Monitor 健康监控器
type Monitor struct {
	registry registry.Registry
	prober   Prober
	logger   config.Logger
	opts     Options
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor 创建健康监控器
func NewMonitor(reg registry.Registry, prober Prober, logger config.Logger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Monitor{
		registry: reg,
		prober:   prober,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Start 在后台运行监控循环
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.Run(ctx)
	}()
	m.logger.Info("启动健康监控",
		zap.Duration("interval", m.opts.Interval),
		zap.Duration("stale_after", m.opts.StaleAfter))
}

// Stop 停止后台循环并等待退出
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("健康监控已停止")
}

// Run 阻塞执行监控循环直到ctx取消，单次扫描失败不会终止循环
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.safeScan(ctx); err != nil {
				m.logger.Error("健康扫描失败", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) safeScan(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("健康扫描发生panic: %v", r)
		}
	}()
	_, err = m.ScanOnce(ctx)
	return err
}

// ScanOnce 探测所有心跳过期的服务，返回本轮探测结果
func (m *Monitor) ScanOnce(ctx context.Context) (map[string]model.ServiceStatus, error) {
	now := m.now()
	var stale []model.ServiceRecord
	for _, rec := range m.registry.List() {
		if rec.IsStale(now, m.opts.StaleAfter) {
			stale = append(stale, rec)
		}
	}

	results := make(map[string]model.ServiceStatus, len(stale))
	if len(stale) == 0 {
		return results, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, rec := range stale {
		rec := rec
		g.Go(func() error {
			status, err := m.probeAndUpdate(gctx, rec)
			mu.Lock()
			results[rec.Name] = status
			mu.Unlock()
			if err != nil {
				m.logger.Warn("写回服务状态失败", zap.String("service", rec.Name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Debug("健康扫描完成", zap.Int("probed", len(stale)))
	return results, ctx.Err()
}

// Probe 立即探测指定服务并写回状态，服务不存在时返回 false
func (m *Monitor) Probe(ctx context.Context, name string) (model.ServiceStatus, bool, error) {
	rec, ok := m.registry.Get(name)
	if !ok {
		return model.StatusUnknown, false, nil
	}
	status, err := m.probeAndUpdate(ctx, rec)
	return status, true, err
}

func (m *Monitor) probeAndUpdate(ctx context.Context, rec model.ServiceRecord) (status model.ServiceStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = model.StatusInactive
			err = fmt.Errorf("探测 %s 发生panic: %v", rec.Name, r)
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	status = m.prober.Probe(pctx, rec)
	cancel()

	if status != rec.Status {
		m.logger.Info("服务健康状态",
			zap.String("service", rec.Name),
			zap.String("previous", string(rec.Status)),
			zap.String("status", string(status)))
	}
	return status, m.registry.UpdateStatus(ctx, rec.Name, status)
}
