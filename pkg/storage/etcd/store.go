package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/prestalab-esb/pkg/model"
	"github.com/hewenyu/prestalab-esb/pkg/storage"
)

// maxCASRetries 乐观并发更新的最大重试次数
const maxCASRetries = 16

// Store 实现基于etcd的总线存储
type Store struct {
	client *Client
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建etcd存储
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

// EnsureSchema etcd是无模式的键值存储，这里只做一次连通性读取
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.kv().Get(ctx, s.client.LogSeqKey()); err != nil {
		return storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}
	return nil
}

// UpsertService 插入或覆盖服务记录
func (s *Store) UpsertService(ctx context.Context, rec model.ServiceRecord) error {
	if err := storage.ValidateRecord(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("序列化服务数据失败: %v", err))
	}
	if _, err := s.kv().Put(ctx, s.client.ServiceKey(rec.Name), string(data)); err != nil {
		return storage.NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
	}
	return nil
}

// DeleteService 删除服务记录
func (s *Store) DeleteService(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, storage.NewInvalidArgumentError("服务名称不能为空")
	}
	resp, err := s.kv().Delete(ctx, s.client.ServiceKey(name))
	if err != nil {
		return false, storage.NewInternalError(fmt.Sprintf("从etcd删除失败: %v", err))
	}
	return resp.Deleted > 0, nil
}

// UpdateHeartbeat 更新心跳时间并将状态置为 ACTIVE
func (s *Store) UpdateHeartbeat(ctx context.Context, name string, at time.Time) error {
	return s.updateService(ctx, name, func(rec *model.ServiceRecord) {
		hb := at
		rec.LastHeartbeat = &hb
		rec.Status = model.StatusActive
	})
}

// UpdateStatus 更新服务状态
func (s *Store) UpdateStatus(ctx context.Context, name string, status model.ServiceStatus) error {
	if !status.Valid() {
		return storage.NewInvalidArgumentError("无效的服务状态: " + string(status))
	}
	return s.updateService(ctx, name, func(rec *model.ServiceRecord) {
		rec.Status = status
	})
}

// ListServices 返回所有服务记录，按名称排序
func (s *Store) ListServices(ctx context.Context) ([]model.ServiceRecord, error) {
	resp, err := s.kv().Get(ctx, s.client.ServicesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}

	services := make([]model.ServiceRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec model.ServiceRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			// 忽略无法解析的数据，继续处理其他数据
			continue
		}
		services = append(services, rec)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

// AppendLog 以递增序号写入日志，并删除超出 capacity 的旧日志
func (s *Store) AppendLog(ctx context.Context, entry model.MessageLogEntry, capacity int) error {
	var seq int64
	err := s.casUpdate(ctx, s.client.LogSeqKey(), func(old []byte, exists bool) ([]byte, error) {
		cur, err := parseInt(old, exists)
		if err != nil {
			return nil, err
		}
		seq = cur + 1
		return []byte(strconv.FormatInt(seq, 10)), nil
	})
	if err != nil {
		return err
	}

	entry.ID = seq
	data, err := json.Marshal(entry)
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("序列化日志失败: %v", err))
	}
	if _, err := s.kv().Put(ctx, s.client.LogKey(seq), string(data)); err != nil {
		return storage.NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
	}

	if capacity > 0 {
		return s.trimLogs(ctx, capacity)
	}
	return nil
}

func (s *Store) trimLogs(ctx context.Context, capacity int) error {
	resp, err := s.kv().Get(ctx, s.client.LogsPrefix(),
		clientv3.WithPrefix(),
		clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}
	excess := len(resp.Kvs) - capacity
	if excess <= 0 {
		return nil
	}
	first := string(resp.Kvs[0].Key)
	cutoff := string(resp.Kvs[excess].Key)
	if _, err := s.kv().Delete(ctx, first, clientv3.WithRange(cutoff)); err != nil {
		return storage.NewInternalError(fmt.Sprintf("裁剪日志失败: %v", err))
	}
	return nil
}

// RecentLogs 返回最近 limit 条日志，最新的在前
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]model.MessageLogEntry, error) {
	opts := []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}
	resp, err := s.kv().Get(ctx, s.client.LogsPrefix(), opts...)
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}

	logs := make([]model.MessageLogEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var entry model.MessageLogEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

// IncrementCounter 通过比较并交换累加计数器
func (s *Store) IncrementCounter(ctx context.Context, key string, delta int64) error {
	if key == "" {
		return storage.NewInvalidArgumentError("计数器名称不能为空")
	}
	return s.casUpdate(ctx, s.client.CounterKey(key), func(old []byte, exists bool) ([]byte, error) {
		cur, err := parseInt(old, exists)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(cur+delta, 10)), nil
	})
}

// Counters 返回全部计数器
func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	prefix := s.client.CountersPrefix()
	resp, err := s.kv().Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}
	out := make(map[string]int64, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		v, err := strconv.ParseInt(string(kv.Value), 10, 64)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(string(kv.Key), prefix)] = v
	}
	return out, nil
}

// Close 关闭底层客户端
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) kv() clientv3.KV {
	return s.client.GetClient()
}

func (s *Store) updateService(ctx context.Context, name string, mutate func(*model.ServiceRecord)) error {
	return s.casUpdate(ctx, s.client.ServiceKey(name), func(old []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, storage.NewNotFoundError("服务不存在: " + name)
		}
		var rec model.ServiceRecord
		if err := json.Unmarshal(old, &rec); err != nil {
			return nil, storage.NewInternalError(fmt.Sprintf("解析服务数据失败: %v", err))
		}
		mutate(&rec)
		return json.Marshal(rec)
	})
}

// casUpdate 读取键当前值，计算新值后以 ModRevision 作为条件写回，冲突时重试
func (s *Store) casUpdate(ctx context.Context, key string, fn func(old []byte, exists bool) ([]byte, error)) error {
	for i := 0; i < maxCASRetries; i++ {
		resp, err := s.kv().Get(ctx, key)
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
		}

		var (
			old []byte
			rev int64
		)
		exists := len(resp.Kvs) > 0
		if exists {
			old = resp.Kvs[0].Value
			rev = resp.Kvs[0].ModRevision
		}

		next, err := fn(old, exists)
		if err != nil {
			return err
		}

		txn, err := s.kv().Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(next))).
			Commit()
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
		}
		if txn.Succeeded {
			return nil
		}
	}
	return storage.NewInternalError("并发更新冲突次数过多: " + key)
}

func parseInt(b []byte, exists bool) (int64, error) {
	if !exists {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, storage.NewInternalError(fmt.Sprintf("解析计数值失败: %v", err))
	}
	return v, nil
}
