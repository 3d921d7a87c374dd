// Package registry 维护总线上已注册服务的权威视图。
// 内存中的服务表、消息日志环和计数器都以写穿方式同步到持久化存储。
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/internal/metrics"
	"github.com/hewenyu/prestalab-esb/pkg/model"
	"github.com/hewenyu/prestalab-esb/pkg/storage"
)

// Registry 服务注册中心
type Registry interface {
	// Register 注册或覆盖服务，返回是否为新服务。状态重置为 ACTIVE，心跳为当前时间
	Register(ctx context.Context, rec model.ServiceRecord) (bool, error)

	// Unregister 注销服务，服务不存在时返回 false
	Unregister(ctx context.Context, name string) (bool, error)

	// UnregisterIfAddress 仅当服务地址仍为 address 时注销，用于TCP连接断开后的清理
	UnregisterIfAddress(ctx context.Context, name, address string) (bool, error)

	// Get 返回服务记录的副本
	Get(name string) (model.ServiceRecord, bool)

	// List 返回按名称排序的全部服务记录副本
	List() []model.ServiceRecord

	// Heartbeat 刷新心跳并将状态置为 ACTIVE，服务不存在时返回 false
	Heartbeat(ctx context.Context, name string) (bool, error)

	// UpdateStatus 更新服务状态，服务不存在时静默忽略
	UpdateStatus(ctx context.Context, name string, status model.ServiceStatus) error

	// AppendLog 追加一条消息日志
	AppendLog(ctx context.Context, entry model.MessageLogEntry)

	// Logs 返回最新在前的日志切片及日志总数
	Logs(limit, offset int) ([]model.MessageLogEntry, int)

	// IncrementCounter 累加计数器
	IncrementCounter(ctx context.Context, key string, delta int64)

	// Counters 返回计数器快照，固定计数器缺省为0
	Counters() map[string]int64

	// StatusCounts 返回各状态的服务数量
	StatusCounts() map[model.ServiceStatus]int

	// Load 启动时从存储加载服务、计数器和最近的日志。
	// TCP绑定不能跨越重启，经 sinit 注册的服务会从存储中清除
	Load(ctx context.Context) error
}

// Options 注册中心参数
type Options struct {
	// LogCapacity 日志环容量
	LogCapacity int
	// StoreTimeout 单次存储操作的超时
	StoreTimeout time.Duration
}

// RegistryImpl 实现Registry接口
type RegistryImpl struct {
	store  storage.Store
	logger config.Logger
	opts   Options
	now    func() time.Time

	mu       sync.RWMutex
	services map[string]model.ServiceRecord
	logs     []model.MessageLogEntry // 旧的在前
	counters map[string]int64
}

// NewRegistry 创建注册中心
func NewRegistry(store storage.Store, logger config.Logger, opts Options) *RegistryImpl {
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = model.DefaultLogCapacity
	}
	return &RegistryImpl{
		store:    store,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		services: make(map[string]model.ServiceRecord),
		counters: make(map[string]int64),
	}
}

var _ Registry = (*RegistryImpl)(nil)

// Register 注册或覆盖服务
func (r *RegistryImpl) Register(ctx context.Context, rec model.ServiceRecord) (bool, error) {
	rec.Name = strings.TrimSpace(rec.Name)
	if err := storage.ValidateRecord(rec); err != nil {
		return false, err
	}

	now := r.now()
	rec = rec.Clone()
	rec.Status = model.StatusActive
	rec.LastHeartbeat = &now
	if rec.Endpoints == nil {
		rec.Endpoints = []string{}
	}
	if rec.Version == "" {
		rec.Version = model.DefaultVersion
	}

	r.mu.Lock()
	existing, exists := r.services[rec.Name]
	if rec.RegisteredAt.IsZero() {
		if exists {
			rec.RegisteredAt = existing.RegisteredAt
		} else {
			rec.RegisteredAt = now
		}
	}
	err := r.apply(ctx, func(ctx context.Context) error {
		return r.store.UpsertService(ctx, rec)
	}, func() {
		r.services[rec.Name] = rec
	})
	r.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("注册服务失败: %w", err)
	}

	r.IncrementCounter(ctx, model.CounterTotalRegistrations, 1)
	metrics.IncRegistration()
	r.publishStatusCounts()

	r.logger.Info("服务注册",
		zap.String("event", "REGISTER"),
		zap.String("service", rec.Name),
		zap.String("address", rec.Address),
		zap.Bool("new", !exists))
	return !exists, nil
}

// Unregister 注销服务
func (r *RegistryImpl) Unregister(ctx context.Context, name string) (bool, error) {
	return r.unregister(ctx, name, func(model.ServiceRecord) bool { return true })
}

// UnregisterIfAddress 仅当服务地址未被重新注册覆盖时注销
func (r *RegistryImpl) UnregisterIfAddress(ctx context.Context, name, address string) (bool, error) {
	return r.unregister(ctx, name, func(rec model.ServiceRecord) bool { return rec.Address == address })
}

func (r *RegistryImpl) unregister(ctx context.Context, name string, match func(model.ServiceRecord) bool) (bool, error) {
	r.mu.Lock()
	rec, inMemory := r.services[name]
	if inMemory && !match(rec) {
		r.mu.Unlock()
		return false, nil
	}
	var deleted bool
	err := r.apply(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = r.store.DeleteService(ctx, name)
		return err
	}, func() {
		delete(r.services, name)
	})
	r.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("注销服务失败: %w", err)
	}

	found := deleted || inMemory
	if found {
		r.publishStatusCounts()
		r.logger.Info("服务注销", zap.String("event", "UNREGISTER"), zap.String("service", name))
	}
	return found, nil
}

// Get 返回服务记录的副本
func (r *RegistryImpl) Get(name string) (model.ServiceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.services[name]
	if !ok {
		return model.ServiceRecord{}, false
	}
	return rec.Clone(), true
}

// List 返回按名称排序的全部服务
func (r *RegistryImpl) List() []model.ServiceRecord {
	r.mu.RLock()
	out := make([]model.ServiceRecord, 0, len(r.services))
	for _, rec := range r.services {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Heartbeat 刷新心跳
func (r *RegistryImpl) Heartbeat(ctx context.Context, name string) (bool, error) {
	now := r.now()

	r.mu.Lock()
	rec, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	updated := rec.Clone()
	updated.LastHeartbeat = &now
	updated.Status = model.StatusActive
	err := r.apply(ctx, func(ctx context.Context) error {
		err := r.store.UpdateHeartbeat(ctx, name, now)
		if storage.IsNotFound(err) {
			// 存储中缺失时补写完整记录
			return r.store.UpsertService(ctx, updated)
		}
		return err
	}, func() {
		r.services[name] = updated
	})
	r.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("更新心跳失败: %w", err)
	}

	metrics.IncHeartbeat()
	if rec.Status != model.StatusActive {
		r.publishStatusCounts()
	}
	r.logger.Debug("收到心跳", zap.String("event", "HEARTBEAT"), zap.String("service", name))
	return true, nil
}

// UpdateStatus 更新服务状态
func (r *RegistryImpl) UpdateStatus(ctx context.Context, name string, status model.ServiceStatus) error {
	if !status.Valid() {
		return storage.NewInvalidArgumentError("无效的服务状态: " + string(status))
	}

	r.mu.Lock()
	rec, ok := r.services[name]
	if !ok || rec.Status == status {
		r.mu.Unlock()
		return nil
	}
	err := r.apply(ctx, func(ctx context.Context) error {
		err := r.store.UpdateStatus(ctx, name, status)
		if storage.IsNotFound(err) {
			updated := rec.Clone()
			updated.Status = status
			return r.store.UpsertService(ctx, updated)
		}
		return err
	}, func() {
		rec.Status = status
		r.services[name] = rec
	})
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("更新服务状态失败: %w", err)
	}

	r.publishStatusCounts()
	r.logger.Info("服务状态变更",
		zap.String("service", name),
		zap.String("status", string(status)))
	return nil
}

// AppendLog 写入存储成功后追加到内存日志环，失败时只记录警告
func (r *RegistryImpl) AppendLog(ctx context.Context, entry model.MessageLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}

	r.mu.Lock()
	err := r.apply(ctx, func(ctx context.Context) error {
		return r.store.AppendLog(ctx, entry, r.opts.LogCapacity)
	}, func() {
		r.logs = append(r.logs, entry)
		if over := len(r.logs) - r.opts.LogCapacity; over > 0 {
			r.logs = append([]model.MessageLogEntry(nil), r.logs[over:]...)
		}
	})
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("持久化消息日志失败",
			zap.String("event", "WARNING"),
			zap.String("service", entry.Service),
			zap.Error(err))
	}
}

// Logs 返回最新在前的日志
func (r *RegistryImpl) Logs(limit, offset int) ([]model.MessageLogEntry, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.logs)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []model.MessageLogEntry{}, total
	}
	remaining := total - offset
	if limit <= 0 || limit > remaining {
		limit = remaining
	}

	out := make([]model.MessageLogEntry, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.logs[i])
	}
	return out, total
}

// IncrementCounter 存储累加成功后才推进内存计数器，内存值不会超过已持久化的值
func (r *RegistryImpl) IncrementCounter(ctx context.Context, key string, delta int64) {
	r.mu.Lock()
	err := r.apply(ctx, func(ctx context.Context) error {
		return r.store.IncrementCounter(ctx, key, delta)
	}, func() {
		r.counters[key] += delta
	})
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("持久化计数器失败",
			zap.String("event", "WARNING"),
			zap.String("counter", key),
			zap.Error(err))
	}
}

// Counters 返回计数器快照
func (r *RegistryImpl) Counters() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int64, len(r.counters)+len(model.CounterKeys))
	for _, k := range model.CounterKeys {
		out[k] = 0
	}
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// StatusCounts 返回各状态的服务数量
func (r *RegistryImpl) StatusCounts() map[model.ServiceStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusCountsLocked()
}

// Load 启动时从存储恢复状态
func (r *RegistryImpl) Load(ctx context.Context) error {
	sctx, cancel := r.storeContext(ctx)
	defer cancel()

	services, err := r.store.ListServices(sctx)
	if err != nil {
		return fmt.Errorf("加载服务失败: %w", err)
	}
	counters, err := r.store.Counters(sctx)
	if err != nil {
		return fmt.Errorf("加载计数器失败: %w", err)
	}
	logs, err := r.store.RecentLogs(sctx, r.opts.LogCapacity)
	if err != nil {
		return fmt.Errorf("加载消息日志失败: %w", err)
	}

	var orphaned []string
	r.mu.Lock()
	for _, rec := range services {
		if rec.IsTCPBound() {
			orphaned = append(orphaned, rec.Name)
			continue
		}
		if rec.Endpoints == nil {
			rec.Endpoints = []string{}
		}
		r.services[rec.Name] = rec
	}
	for k, v := range counters {
		r.counters[k] = v
	}
	// 存储返回最新在前，日志环需要旧的在前
	r.logs = make([]model.MessageLogEntry, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		r.logs = append(r.logs, logs[i])
	}
	r.mu.Unlock()

	for _, name := range orphaned {
		if _, err := r.store.DeleteService(sctx, name); err != nil {
			r.logger.Warn("清除重启前的TCP服务失败", zap.String("service", name), zap.Error(err))
			continue
		}
		r.logger.Info("清除重启前的TCP服务", zap.String("service", name))
	}

	r.publishStatusCounts()
	r.logger.Info("从存储加载注册中心",
		zap.Int("services", len(services)-len(orphaned)),
		zap.Int("logs", len(logs)))
	return nil
}

// apply 在持有写锁时调用：先持久化，成功后再修改内存，保证内存不领先于存储
func (r *RegistryImpl) apply(ctx context.Context, persist func(context.Context) error, mutate func()) error {
	sctx, cancel := r.storeContext(ctx)
	defer cancel()
	if err := persist(sctx); err != nil {
		return err
	}
	mutate()
	return nil
}

func (r *RegistryImpl) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.StoreTimeout)
}

func (r *RegistryImpl) statusCountsLocked() map[model.ServiceStatus]int {
	counts := map[model.ServiceStatus]int{
		model.StatusActive:   0,
		model.StatusInactive: 0,
		model.StatusDegraded: 0,
		model.StatusUnknown:  0,
	}
	for _, rec := range r.services {
		counts[rec.Status]++
	}
	return counts
}

func (r *RegistryImpl) publishStatusCounts() {
	r.mu.RLock()
	counts := r.statusCountsLocked()
	r.mu.RUnlock()

	labels := make(map[string]int, len(counts))
	for s, n := range counts {
		labels[string(s)] = n
	}
	metrics.SetServiceCounts(labels)
}
