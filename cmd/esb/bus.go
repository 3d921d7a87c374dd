package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/internal/api"
	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/internal/dnsserver"
	"github.com/hewenyu/prestalab-esb/internal/health"
	"github.com/hewenyu/prestalab-esb/internal/metrics"
	"github.com/hewenyu/prestalab-esb/internal/registry"
	"github.com/hewenyu/prestalab-esb/internal/router"
	"github.com/hewenyu/prestalab-esb/internal/tcpbus"
	"github.com/hewenyu/prestalab-esb/pkg/storage"
	"github.com/hewenyu/prestalab-esb/pkg/storage/factory"
)

func createBusCommand(flags *GlobalFlags) *cobra.Command {
	var (
		httpAddr string
		tcpAddr  string
	)
	cmd := &cobra.Command{
		Use:   "bus",
		Short: "Run the service bus",
		Long: `运行服务总线：注册中心、TCP监听器、HTTP门面和健康监控，启用时同时运行DNS服务。

Examples:
  esb bus
  esb bus --http-addr=:8000 --tcp-addr=:5000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if httpAddr != "" {
				cfg.Bus.HTTPAddr = httpAddr
			}
			if tcpAddr != "" {
				cfg.Bus.TCPAddr = tcpAddr
			}

			app, err := newBusApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return runUntilSignal(app, logger)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP façade listen address (overrides bus.http_addr)")
	cmd.Flags().StringVar(&tcpAddr, "tcp-addr", "", "TCP listener address (overrides bus.tcp_addr)")
	return cmd
}

// busApp 组装总线进程的全部组件
type busApp struct {
	cfg      *config.Config
	logger   config.Logger
	store    storage.Store
	registry *registry.RegistryImpl
	router   *router.Router
	listener *tcpbus.Listener
	monitor  *health.Monitor
	api      *api.Server
	dns      *dnsserver.Server
}

func newBusApp(ctx context.Context, cfg *config.Config, logger config.Logger) (*busApp, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	persistence := factory.Describe(cfg)
	logger.Info("PrestaLab ESB 启动中...",
		zap.String("version", Version),
		zap.String("http_addr", cfg.Bus.HTTPAddr),
		zap.String("tcp_addr", cfg.Bus.TCPAddr),
		zap.String("persistence", persistence))

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("注册指标失败: %w", err)
		}
	}

	st, err := factory.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}

	reg := registry.NewRegistry(st, logger.With(zap.String("component", "registry")), registry.Options{
		LogCapacity:  cfg.Registry.LogCapacity,
		StoreTimeout: cfg.Store.Timeout,
	})
	if err := reg.Load(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("加载注册中心失败: %w", err)
	}

	rt := router.NewRouter(reg, logger.With(zap.String("component", "router")), router.Options{
		BroadcastTimeout: cfg.Bus.BroadcastTimeout,
	})
	listener := tcpbus.NewListener(tcpbus.Options{
		Addr:         cfg.Bus.TCPAddr,
		RouteTimeout: cfg.Bus.RouteTimeout,
	}, reg, rt, logger.With(zap.String("component", "tcpbus")))
	rt.SetTCPTransport(listener)

	prober := health.NewHTTPProber(cfg.Health.SlowThreshold)
	prober.Bindings = listener
	monitor := health.NewMonitor(reg, prober,
		logger.With(zap.String("component", "health")), health.OptionsFromConfig(cfg.Health))

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	server := api.NewServer(api.Options{
		Addr:        cfg.Bus.HTTPAddr,
		CORSOrigins: cfg.Bus.CORSOrigins,
		Persistence: persistence,
		Version:     Version,
		MetricsPath: metricsPath,
	}, reg, rt, monitor, logger.With(zap.String("component", "api")))

	app := &busApp{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		router:   rt,
		listener: listener,
		monitor:  monitor,
		api:      server,
	}
	if cfg.DNS.Enabled {
		app.dns = dnsserver.NewServer(cfg.DNS, reg, logger.With(zap.String("component", "dns")))
	}
	return app, nil
}

// Start 依次启动TCP监听器、健康监控、HTTP门面和DNS服务
func (a *busApp) Start() error {
	if err := a.listener.Start(); err != nil {
		_ = a.store.Close()
		return err
	}
	a.monitor.Start()
	if err := a.api.Start(); err != nil {
		return err
	}
	if a.dns != nil {
		if err := a.dns.Start(); err != nil {
			return fmt.Errorf("启动DNS服务失败: %w", err)
		}
	}
	a.logger.Info("服务总线已启动",
		zap.String("http_addr", a.cfg.Bus.HTTPAddr),
		zap.String("tcp_addr", a.listener.Addr()),
		zap.Bool("dns", a.dns != nil))
	return nil
}

// Shutdown 按与启动相反的顺序关闭组件，最后关闭存储
func (a *busApp) Shutdown(ctx context.Context) error {
	var errs []error
	if a.dns != nil {
		if err := a.dns.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dns: %w", err))
		}
	}
	if err := a.api.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}
	a.monitor.Stop()
	if err := a.listener.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tcp: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
