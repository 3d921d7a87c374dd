// Package metrics 定义总线的 Prometheus 指标。
// 指标在调用 Register 之前不会被记录，辅助函数此时为空操作。
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	routedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esb",
			Name:      "routed_messages_total",
			Help:      "Number of routed messages by target service and outcome.",
		}, []string{"service", "outcome"},
	)
	routeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "esb",
			Name:      "route_latency_seconds",
			Help:      "Latency of routed calls to the destination service.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	registrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "esb",
			Name:      "registrations_total",
			Help:      "Number of accepted service registrations.",
		},
	)
	heartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "esb",
			Name:      "heartbeats_total",
			Help:      "Number of accepted heartbeats.",
		},
	)
	services = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "esb",
			Name:      "services",
			Help:      "Registered services by status.",
		}, []string{"status"},
	)
	tcpConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "esb",
			Name:      "tcp_connections",
			Help:      "Currently open TCP connections on the bus listener.",
		},
	)
	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esb",
			Name:      "gateway_requests_total",
			Help:      "Gateway requests by result.",
		}, []string{"result"},
	)
)

// Register 将全部指标注册到给定的 Registerer，可重复调用
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{routedMessages, routeLatency, registrations, heartbeats, services, tcpConnections, gatewayRequests}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler 返回默认 Gatherer 的指标处理器
func Handler() http.Handler { return promhttp.Handler() }

// ObserveRoute 记录一次路由调用的结果和耗时
func ObserveRoute(service, outcome string, seconds float64) {
	if regOK.Load() {
		routedMessages.WithLabelValues(service, outcome).Inc()
		routeLatency.WithLabelValues(service).Observe(seconds)
	}
}

func IncRegistration() {
	if regOK.Load() {
		registrations.Inc()
	}
}

func IncHeartbeat() {
	if regOK.Load() {
		heartbeats.Inc()
	}
}

// SetServiceCounts 用各状态的服务数覆盖 esb_services
func SetServiceCounts(counts map[string]int) {
	if regOK.Load() {
		services.Reset()
		for status, n := range counts {
			services.WithLabelValues(status).Set(float64(n))
		}
	}
}

func TCPConnOpened() {
	if regOK.Load() {
		tcpConnections.Inc()
	}
}

func TCPConnClosed() {
	if regOK.Load() {
		tcpConnections.Dec()
	}
}

func IncGatewayRequest(result string) {
	if regOK.Load() {
		gatewayRequests.WithLabelValues(result).Inc()
	}
}
