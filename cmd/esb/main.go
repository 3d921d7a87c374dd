package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/internal/config"
)

// Version 构建时通过 -ldflags "-X main.Version=..." 覆盖
var Version = "2.0.0"

// shutdownTimeout 收到终止信号后等待各组件关闭的上限
const shutdownTimeout = 10 * time.Second

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags 全局参数
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "esb",
		Short: "PrestaLab Enterprise Service Bus",
		Long: `esb 运行 PrestaLab 服务总线或其 HTTP 到 TCP 网关。

Examples:
  esb bus --config=./configs/config.yaml
  esb gateway
  esb version`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to YAML config file (optional)")

	root.AddCommand(
		createBusCommand(flags),
		createGatewayCommand(flags),
		createVersionCommand(),
	)
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "esb %s\n", Version)
			return err
		},
	}
}

// setup 加载配置并创建日志记录器
func setup(flags *GlobalFlags) (*config.Config, config.Logger, error) {
	cfg, err := config.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

// component 可启动和优雅关闭的组件
type component interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// runUntilSignal 启动组件，阻塞到收到 SIGINT/SIGTERM 后在超时内关闭
func runUntilSignal(c component, logger config.Logger) error {
	if err := c.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	sig := <-sigChan
	logger.Info("接收到关闭信号，正在优雅关闭...", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		logger.Error("关闭过程中出现错误", zap.Error(err))
		return err
	}
	logger.Info("已关闭")
	return nil
}
