// Package factory 根据配置选择存储实现
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/pkg/storage"
	"github.com/hewenyu/prestalab-esb/pkg/storage/etcd"
	"github.com/hewenyu/prestalab-esb/pkg/storage/memory"
	"github.com/hewenyu/prestalab-esb/pkg/storage/sqlstore"
)

// 支持的存储类型
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeEtcd     = "etcd"
	TypeMemory   = "memory"
)

// New 按 store.type 创建存储并初始化表结构
func New(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	var (
		st  storage.Store
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Type)) {
	case TypeSQLite, "":
		st, err = sqlstore.OpenSQLite(cfg.Store.Path)
	case TypePostgres:
		st, err = sqlstore.OpenPostgres(cfg.Store.DSN)
	case TypeEtcd:
		var client *etcd.Client
		client, err = etcd.NewClient(cfg.Etcd)
		if err == nil {
			st = etcd.NewStore(client)
		}
	case TypeMemory:
		st = memory.NewMemoryStorage()
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Store.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Store.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Store.Timeout)
		defer cancel()
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}
	return st, nil
}

// Describe 返回对外展示的持久化方式描述
func Describe(cfg *config.Config) string {
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Type)) {
	case TypePostgres:
		return "PostgreSQL"
	case TypeEtcd:
		return "etcd"
	case TypeMemory:
		return "memory"
	default:
		return "SQLite (" + cfg.Store.Path + ")"
	}
}
