package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hewenyu/prestalab-esb/pkg/model"
)

// Store 定义总线持久化状态的存储接口
type Store interface {
	// EnsureSchema 初始化存储结构，可重复调用
	EnsureSchema(ctx context.Context) error

	// UpsertService 插入或覆盖服务记录
	UpsertService(ctx context.Context, rec model.ServiceRecord) error

	// DeleteService 删除服务记录，记录不存在时返回 false
	DeleteService(ctx context.Context, name string) (bool, error)

	// UpdateHeartbeat 更新心跳时间并将状态置为 ACTIVE，记录不存在时返回 NotFound 错误
	UpdateHeartbeat(ctx context.Context, name string, at time.Time) error

	// UpdateStatus 更新服务状态，记录不存在时返回 NotFound 错误
	UpdateStatus(ctx context.Context, name string, status model.ServiceStatus) error

	// ListServices 返回所有服务记录
	ListServices(ctx context.Context) ([]model.ServiceRecord, error)

	// AppendLog 追加一条消息日志，并只保留最近 capacity 条
	AppendLog(ctx context.Context, entry model.MessageLogEntry, capacity int) error

	// RecentLogs 返回最近的 limit 条日志，按时间倒序
	RecentLogs(ctx context.Context, limit int) ([]model.MessageLogEntry, error)

	// IncrementCounter 将计数器增加 delta，不存在时从0开始
	IncrementCounter(ctx context.Context, key string, delta int64) error

	// Counters 返回全部计数器
	Counters(ctx context.Context) (map[string]int64, error)

	// Close 释放底层资源
	Close() error
}

// StorageError 定义存储操作可能返回的错误类型
type StorageError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *StorageError) Error() string {
	return e.Message
}

// 定义错误代码
const (
	// ErrNotFound 资源不存在
	ErrNotFound = iota + 1
	// ErrAlreadyExists 资源已存在
	ErrAlreadyExists
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *StorageError {
	return &StorageError{Code: ErrNotFound, Message: message}
}

// NewAlreadyExistsError 创建资源已存在错误
func NewAlreadyExistsError(message string) *StorageError {
	return &StorageError{Code: ErrAlreadyExists, Message: message}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StorageError {
	return &StorageError{Code: ErrInvalidArgument, Message: message}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *StorageError {
	return &StorageError{Code: ErrInternal, Message: message}
}

// IsNotFound 判断错误链中是否包含 ErrNotFound
func IsNotFound(err error) bool {
	return hasCode(err, ErrNotFound)
}

// IsInvalidArgument 判断错误链中是否包含 ErrInvalidArgument
func IsInvalidArgument(err error) bool {
	return hasCode(err, ErrInvalidArgument)
}

func hasCode(err error, code int) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// ValidateRecord 校验写入前的服务记录
func ValidateRecord(rec model.ServiceRecord) error {
	if rec.Name == "" {
		return NewInvalidArgumentError("服务名称不能为空")
	}
	if rec.Address == "" {
		return NewInvalidArgumentError("服务地址不能为空")
	}
	return nil
}
