package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/prestalab-esb/internal/config"
)

// DefaultPrefix 未配置前缀时使用的键前缀
const DefaultPrefix = "/prestalab-esb/"

// Client 封装etcd客户端及键布局
type Client struct {
	client *clientv3.Client
	prefix string
}

// NewClient 创建新的etcd客户端并检查连通性
func NewClient(cfg config.EtcdConfig) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints不能为空")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("连接etcd失败: %w", err)
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd连接测试失败: %w", err)
	}

	return &Client{
		client: client,
		prefix: normalizePrefix(cfg.Prefix),
	}, nil
}

// Close 关闭etcd客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}

// GetClient 获取原始etcd客户端
func (c *Client) GetClient() *clientv3.Client {
	return c.client
}

// ServiceKey 服务记录的键
func (c *Client) ServiceKey(name string) string {
	return c.ServicesPrefix() + name
}

// ServicesPrefix 服务记录的前缀
func (c *Client) ServicesPrefix() string {
	return c.prefix + "services/"
}

// CounterKey 计数器的键
func (c *Client) CounterKey(name string) string {
	return c.CountersPrefix() + name
}

// CountersPrefix 计数器的前缀
func (c *Client) CountersPrefix() string {
	return c.prefix + "counters/"
}

// LogKey 日志的键，序号补零到20位保证按字典序即按写入顺序排列
func (c *Client) LogKey(seq int64) string {
	return fmt.Sprintf("%s%020d", c.LogsPrefix(), seq)
}

// LogsPrefix 日志的前缀
func (c *Client) LogsPrefix() string {
	return c.prefix + "logs/"
}

// LogSeqKey 日志序号生成器的键
func (c *Client) LogSeqKey() string {
	return c.prefix + "logseq"
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
