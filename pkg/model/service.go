package model

import (
	"strings"
	"time"
)

// ServiceStatus 表示服务的健康/生命周期状态
type ServiceStatus string

const (
	// StatusActive 服务存活，可路由
	StatusActive ServiceStatus = "ACTIVE"
	// StatusInactive 服务不可达，拒绝路由
	StatusInactive ServiceStatus = "INACTIVE"
	// StatusDegraded 服务可达但响应异常或过慢
	StatusDegraded ServiceStatus = "DEGRADED"
	// StatusUnknown 尚未确定状态
	StatusUnknown ServiceStatus = "UNKNOWN"
)

// Valid 判断状态值是否合法
func (s ServiceStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusDegraded, StatusUnknown:
		return true
	}
	return false
}

// ParseServiceStatus 解析状态字符串，未知值返回 StatusUnknown
func ParseServiceStatus(s string) ServiceStatus {
	status := ServiceStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return StatusUnknown
	}
	return status
}

// WireNameWidth 协议中服务名字段的固定宽度
const WireNameWidth = 5

// DefaultVersion 未指定版本时使用的默认版本号
const DefaultVersion = "1.0.0"

// ServiceRecord 表示一个在总线上注册的服务
type ServiceRecord struct {
	Name          string        `json:"service_name"`             // 服务名称，全局唯一
	Address       string        `json:"service_url"`              // 服务访问地址 (URL 或 tcp://host:port)
	Description   string        `json:"description,omitempty"`    // 服务描述
	Version       string        `json:"version,omitempty"`        // 服务版本
	Endpoints     []string      `json:"endpoints"`                // 服务暴露的路径，仅供参考
	Status        ServiceStatus `json:"status"`                   // 当前状态
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty"` // 最后心跳时间
	RegisteredAt  time.Time     `json:"registered_at"`            // 注册时间
}

// Clone 返回记录的深拷贝，注册中心对外只暴露副本
func (r ServiceRecord) Clone() ServiceRecord {
	out := r
	if r.Endpoints != nil {
		out.Endpoints = append([]string(nil), r.Endpoints...)
	}
	if r.LastHeartbeat != nil {
		hb := *r.LastHeartbeat
		out.LastHeartbeat = &hb
	}
	return out
}

// IsStale 判断在给定时间点心跳是否已超过阈值；从未心跳的记录不视为过期
func (r ServiceRecord) IsStale(now time.Time, threshold time.Duration) bool {
	if r.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*r.LastHeartbeat) > threshold
}

// TCPScheme 通过 sinit 在TCP连接上注册的服务地址前缀，地址是对端的临时端口
const TCPScheme = "tcp://"

// IsTCPBound 服务是否通过总线上的TCP连接注册
func (r ServiceRecord) IsTCPBound() bool {
	return strings.HasPrefix(r.Address, TCPScheme)
}

// WireName 返回协议使用的5字符定长服务名（右侧补空格或截断）
func WireName(name string) string {
	if len(name) >= WireNameWidth {
		return name[:WireNameWidth]
	}
	return name + strings.Repeat(" ", WireNameWidth-len(name))
}

// ServiceInfo 服务注册请求体
type ServiceInfo struct {
	Name        string   `json:"service_name"`
	Address     string   `json:"service_url"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Endpoints   []string `json:"endpoints,omitempty"`
}

// ToRecord 将注册请求转换为服务记录
func (i ServiceInfo) ToRecord() ServiceRecord {
	version := i.Version
	if version == "" {
		version = DefaultVersion
	}
	endpoints := i.Endpoints
	if endpoints == nil {
		endpoints = []string{}
	}
	description := i.Description
	if description == "" {
		description = "Servicio " + i.Name
	}
	return ServiceRecord{
		Name:        i.Name,
		Address:     strings.TrimRight(i.Address, "/"),
		Description: description,
		Version:     version,
		Endpoints:   endpoints,
		Status:      StatusUnknown,
	}
}

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Message string      `json:"message,omitempty"`
	Detail  string      `json:"detail,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
