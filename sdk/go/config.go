package sdk

import (
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config SDK客户端配置
type Config struct {
	// BusURL 总线HTTP门面地址，如 http://bus:8000
	BusURL string
	// BusTCPAddr 总线TCP监听地址，如 bus:5000
	BusTCPAddr string
	// RetryCount 注册的最大尝试次数
	RetryCount int
	// RetryDelay 重试间隔基数，第n次失败后等待 n*RetryDelay
	RetryDelay time.Duration
	// Timeout 单次HTTP/TCP操作超时
	Timeout time.Duration
	// HeartbeatInterval 心跳间隔
	HeartbeatInterval time.Duration
	// DirectPort 绕过总线直连服务时使用的端口
	DirectPort int
	// DNSServer 可选，总线DNS地址；设置后直连时先通过SRV记录解析服务地址
	DNSServer string
	// DNSDomain 总线DNS的服务域名
	DNSDomain string
	// HTTPClient 可选，自定义HTTP客户端；超时由每次调用的ctx控制
	HTTPClient *http.Client
	// Logger 可选，默认不输出
	Logger *zap.Logger
}

// 默认值
const (
	DefaultBusURL            = "http://bus:8000"
	DefaultBusTCPAddr        = "bus:5000"
	DefaultRetryCount        = 10
	DefaultRetryDelay        = 3 * time.Second
	DefaultTimeout           = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDirectPort        = 8000
	DefaultDNSDomain         = "esb.local"
)

// ConfigFromEnv 从环境变量读取配置，同时兼容旧的 BUS_URL 等变量名
func ConfigFromEnv() Config {
	v := viper.New()
	v.SetDefault("bus_url", DefaultBusURL)
	v.SetDefault("bus_tcp_addr", DefaultBusTCPAddr)
	v.SetDefault("register_retries", DefaultRetryCount)
	v.SetDefault("register_delay", DefaultRetryDelay.String())
	v.SetDefault("timeout", DefaultTimeout.String())
	v.SetDefault("heartbeat_interval", DefaultHeartbeatInterval.String())
	v.SetDefault("direct_port", DefaultDirectPort)
	v.SetDefault("dns_domain", DefaultDNSDomain)

	_ = v.BindEnv("bus_url", "ESB_BUS_URL", "BUS_URL")
	_ = v.BindEnv("bus_tcp_addr", "ESB_BUS_TCP_ADDR", "BUS_TCP_ADDR")
	_ = v.BindEnv("register_retries", "ESB_REGISTER_RETRIES", "BUS_REGISTER_RETRIES")
	_ = v.BindEnv("register_delay", "ESB_REGISTER_DELAY", "BUS_REGISTER_DELAY")
	_ = v.BindEnv("timeout", "ESB_TIMEOUT")
	_ = v.BindEnv("heartbeat_interval", "ESB_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("direct_port", "ESB_DIRECT_PORT")
	_ = v.BindEnv("dns_server", "ESB_DNS_SERVER")
	_ = v.BindEnv("dns_domain", "ESB_DNS_DOMAIN")

	return Config{
		BusURL:            strings.TrimRight(v.GetString("bus_url"), "/"),
		BusTCPAddr:        v.GetString("bus_tcp_addr"),
		RetryCount:        v.GetInt("register_retries"),
		RetryDelay:        parseSeconds(v.GetString("register_delay"), DefaultRetryDelay),
		Timeout:           parseSeconds(v.GetString("timeout"), DefaultTimeout),
		HeartbeatInterval: parseSeconds(v.GetString("heartbeat_interval"), DefaultHeartbeatInterval),
		DirectPort:        v.GetInt("direct_port"),
		DNSServer:         v.GetString("dns_server"),
		DNSDomain:         v.GetString("dns_domain"),
	}
}

// parseSeconds 既接受 "3s" 这样的时长，也接受旧配置中的纯秒数 "3"
func parseSeconds(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if d, err := time.ParseDuration(raw + "s"); err == nil {
		return d
	}
	return def
}

func (c *Config) setDefaults() {
	if c.BusURL == "" {
		c.BusURL = DefaultBusURL
	}
	c.BusURL = strings.TrimRight(c.BusURL, "/")
	if c.BusTCPAddr == "" {
		c.BusTCPAddr = DefaultBusTCPAddr
	}
	if c.RetryCount <= 0 {
		c.RetryCount = DefaultRetryCount
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DirectPort <= 0 {
		c.DirectPort = DefaultDirectPort
	}
	if c.DNSDomain == "" {
		c.DNSDomain = DefaultDNSDomain
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
