package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/prestalab-esb/pkg/model"
	"github.com/hewenyu/prestalab-esb/pkg/storage"
)

// MemoryStorage 是基于内存的存储实现，进程重启后数据丢失，主要用于测试
type MemoryStorage struct {
	services map[string]model.ServiceRecord
	logs     []model.MessageLogEntry
	counters map[string]int64
	nextID   int64
	mu       sync.RWMutex
}

var _ storage.Store = (*MemoryStorage)(nil)

// NewMemoryStorage 创建新的内存存储
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		services: make(map[string]model.ServiceRecord),
		counters: make(map[string]int64),
	}
}

// EnsureSchema 内存存储无需初始化
func (m *MemoryStorage) EnsureSchema(ctx context.Context) error {
	return nil
}

// UpsertService 插入或覆盖服务记录
func (m *MemoryStorage) UpsertService(ctx context.Context, rec model.ServiceRecord) error {
	if err := storage.ValidateRecord(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.services[rec.Name] = rec.Clone()
	return nil
}

// DeleteService 删除服务记录
func (m *MemoryStorage) DeleteService(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, storage.NewInvalidArgumentError("服务名称不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[name]; !exists {
		return false, nil
	}
	delete(m.services, name)
	return true, nil
}

// UpdateHeartbeat 更新服务心跳时间
func (m *MemoryStorage) UpdateHeartbeat(ctx context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.services[name]
	if !exists {
		return storage.NewNotFoundError("服务不存在: " + name)
	}
	hb := at
	rec.LastHeartbeat = &hb
	rec.Status = model.StatusActive
	m.services[name] = rec
	return nil
}

// UpdateStatus 更新服务状态
func (m *MemoryStorage) UpdateStatus(ctx context.Context, name string, status model.ServiceStatus) error {
	if !status.Valid() {
		return storage.NewInvalidArgumentError("无效的服务状态: " + string(status))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.services[name]
	if !exists {
		return storage.NewNotFoundError("服务不存在: " + name)
	}
	rec.Status = status
	m.services[name] = rec
	return nil
}

// ListServices 返回所有服务记录，按名称排序
func (m *MemoryStorage) ListServices(ctx context.Context) ([]model.ServiceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	services := make([]model.ServiceRecord, 0, len(m.services))
	for _, rec := range m.services {
		services = append(services, rec.Clone())
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

// AppendLog 追加日志并裁剪到 capacity 条
func (m *MemoryStorage) AppendLog(ctx context.Context, entry model.MessageLogEntry, capacity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	entry.ID = m.nextID
	m.logs = append(m.logs, entry)
	if capacity > 0 && len(m.logs) > capacity {
		m.logs = append([]model.MessageLogEntry(nil), m.logs[len(m.logs)-capacity:]...)
	}
	return nil
}

// RecentLogs 返回最近 limit 条日志，最新的在前
func (m *MemoryStorage) RecentLogs(ctx context.Context, limit int) ([]model.MessageLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.logs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.MessageLogEntry, 0, n)
	for i := len(m.logs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.logs[i])
	}
	return out, nil
}

// IncrementCounter 增加计数器
func (m *MemoryStorage) IncrementCounter(ctx context.Context, key string, delta int64) error {
	if key == "" {
		return storage.NewInvalidArgumentError("计数器名称不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[key] += delta
	return nil
}

// Counters 返回计数器快照
func (m *MemoryStorage) Counters(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out, nil
}

// Close 内存存储无资源需要释放
func (m *MemoryStorage) Close() error {
	return nil
}
