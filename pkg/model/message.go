package model

import "time"

// Outcome 表示一次路由调用的结果分类
type Outcome string

const (
	OutcomeSuccess    Outcome = "SUCCESS"
	OutcomeError      Outcome = "ERROR"
	OutcomeTimeout    Outcome = "TIMEOUT"
	OutcomeProcessing Outcome = "PROCESSING"
)

// 持久化计数器的键
const (
	CounterTotalMessages      = "total_messages"
	CounterTotalErrors        = "total_errors"
	CounterTimeoutErrors      = "timeout_errors"
	CounterTotalRegistrations = "total_registrations"
)

// CounterKeys 统计接口固定返回的计数器
var CounterKeys = []string{
	CounterTotalMessages,
	CounterTotalErrors,
	CounterTimeoutErrors,
	CounterTotalRegistrations,
}

// DefaultLogCapacity 消息日志默认保留条数
const DefaultLogCapacity = 1000

// MessageLogEntry 一次路由调用的日志记录，只追加
type MessageLogEntry struct {
	ID         int64     `json:"id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Service    string    `json:"service"`
	Method     string    `json:"method"`
	Endpoint   string    `json:"endpoint"`
	Outcome    Outcome   `json:"status"`
	StatusCode *int      `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	LatencyMs  float64   `json:"latency_ms"`
	TraceID    string    `json:"trace_id,omitempty"`
}
