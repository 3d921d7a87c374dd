package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 ESB_BUS_TCP_ADDR
const EnvPrefix = "ESB"

// Config 应用程序配置结构
type Config struct {
	Bus      BusConfig      `mapstructure:"bus"`
	Store    StoreConfig    `mapstructure:"store"`
	Etcd     EtcdConfig     `mapstructure:"etcd"`
	Registry RegistryConfig `mapstructure:"registry"`
	Health   HealthConfig   `mapstructure:"health"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	DNS      DNSConfig      `mapstructure:"dns"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// BusConfig 总线监听与路由配置
type BusConfig struct {
	HTTPAddr         string        `mapstructure:"http_addr"`
	TCPAddr          string        `mapstructure:"tcp_addr"`
	RouteTimeout     time.Duration `mapstructure:"route_timeout"`
	BroadcastTimeout time.Duration `mapstructure:"broadcast_timeout"`
	CORSOrigins      []string      `mapstructure:"cors_origins"`
}

// StoreConfig 持久化存储配置
type StoreConfig struct {
	// Type 可选 "sqlite"、"postgres"、"etcd"、"memory"
	Type    string        `mapstructure:"type"`
	Path    string        `mapstructure:"path"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EtcdConfig etcd配置
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Prefix      string        `mapstructure:"prefix"`
}

// RegistryConfig 注册中心配置
type RegistryConfig struct {
	LogCapacity int `mapstructure:"log_capacity"`
}

// HealthConfig 健康监控配置
type HealthConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
	Concurrency   int           `mapstructure:"concurrency"`
}

// GatewayConfig HTTP到TCP网关配置
type GatewayConfig struct {
	HTTPAddr string        `mapstructure:"http_addr"`
	BusAddr  string        `mapstructure:"bus_addr"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DNSConfig DNS服务配置
type DNSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	ListenAddress string        `mapstructure:"listen_address"`
	Port          int           `mapstructure:"port"`
	Protocol      string        `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
	Domain        string        `mapstructure:"domain"`
	TTL           uint32        `mapstructure:"ttl"`
	// Upstream 非总线域名的查询转发到这些服务器，为空时返回 NXDOMAIN
	Upstream      []string      `mapstructure:"upstream"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/prestalab-esb")
	}
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 如果找不到配置文件则只使用默认值和环境变量；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置的基本约束
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "sqlite", "postgres", "etcd", "memory":
	default:
		return fmt.Errorf("不支持的存储类型: %s", c.Store.Type)
	}
	if c.Store.Type == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("postgres存储需要设置 store.dsn")
	}
	if c.Registry.LogCapacity <= 0 {
		return fmt.Errorf("registry.log_capacity 必须大于0")
	}
	if c.Health.Concurrency <= 0 {
		return fmt.Errorf("health.concurrency 必须大于0")
	}
	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 总线默认配置
	v.SetDefault("bus.http_addr", ":8000")
	v.SetDefault("bus.tcp_addr", ":5000")
	v.SetDefault("bus.route_timeout", "30s")
	v.SetDefault("bus.broadcast_timeout", "10s")
	v.SetDefault("bus.cors_origins", []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://localhost:8080",
		"http://localhost:8088",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:8088",
	})

	// 存储默认配置
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", "./bus_data.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.timeout", "3s")

	// etcd默认配置
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.prefix", "/prestalab-esb/")

	v.SetDefault("registry.log_capacity", 1000)

	// 健康监控默认配置
	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.stale_after", "5m")
	v.SetDefault("health.probe_timeout", "5s")
	v.SetDefault("health.slow_threshold", "2s")
	v.SetDefault("health.concurrency", 8)

	// 网关默认配置
	v.SetDefault("gateway.http_addr", ":8001")
	v.SetDefault("gateway.bus_addr", "localhost:5000")
	v.SetDefault("gateway.timeout", "10s")

	// DNS服务默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.protocol", "udp")
	v.SetDefault("dns.domain", "esb.local")
	v.SetDefault("dns.ttl", 30)
	v.SetDefault("dns.upstream", []string{})
	v.SetDefault("dns.timeout", "3s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
}

// bindEnvVariables 绑定与旧版部署兼容的环境变量
func bindEnvVariables(v *viper.Viper) {
	_ = v.BindEnv("store.path", "ESB_STORE_PATH", "BUS_DB_PATH")
	_ = v.BindEnv("gateway.bus_addr", "ESB_GATEWAY_BUS_ADDR", "BUS_TCP_ADDR")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		"/etc/prestalab-esb/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
