package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/internal/gateway"
	"github.com/hewenyu/prestalab-esb/internal/metrics"
)

func createGatewayCommand(flags *GlobalFlags) *cobra.Command {
	var (
		httpAddr string
		busAddr  string
	)
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the HTTP to TCP gateway",
		Long: `运行网关：接收前端的 POST /route 请求，通过TCP帧协议转发到总线。

Examples:
  esb gateway
  esb gateway --bus-addr=bus:5000 --http-addr=:8001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if httpAddr != "" {
				cfg.Gateway.HTTPAddr = httpAddr
			}
			if busAddr != "" {
				cfg.Gateway.BusAddr = busAddr
			}

			gw, err := newGateway(cfg, logger)
			if err != nil {
				return err
			}
			return runUntilSignal(gw, logger)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "gateway listen address (overrides gateway.http_addr)")
	cmd.Flags().StringVar(&busAddr, "bus-addr", "", "bus TCP address (overrides gateway.bus_addr)")
	return cmd
}

func newGateway(cfg *config.Config, logger config.Logger) (*gateway.Server, error) {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("注册指标失败: %w", err)
		}
		metricsPath = cfg.Metrics.Path
	}
	logger.Info("PrestaLab ESB 网关启动中...",
		zap.String("version", Version),
		zap.String("http_addr", cfg.Gateway.HTTPAddr),
		zap.String("bus_addr", cfg.Gateway.BusAddr))

	opts := gateway.Options{
		Addr:        cfg.Gateway.HTTPAddr,
		BusAddr:     cfg.Gateway.BusAddr,
		Timeout:     cfg.Gateway.Timeout,
		MetricsPath: metricsPath,
	}
	return gateway.NewServer(opts, nil, logger.With(zap.String("component", "gateway"))), nil
}
