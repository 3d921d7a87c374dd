package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/pkg/model"
	sdk "github.com/hewenyu/prestalab-esb/sdk/go"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	// 配置从环境变量读取，例如 ESB_BUS_URL=http://localhost:8000
	config := sdk.ConfigFromEnv()
	config.Logger = logger

	client, err := sdk.NewClient(config)
	if err != nil {
		log.Fatalf("创建SDK客户端失败: %v", err)
	}

	// 启动一个最小的HTTP服务
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"service": "notis", "status": "ok"})
	})
	mux.HandleFunc("/broadcast", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"recibido": true})
	})
	srv := &http.Server{Addr: ":8010", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP服务启动失败: %v", err)
		}
	}()

	// 注册服务，失败时服务继续运行
	ctx := context.Background()
	state := client.Register(ctx, model.ServiceInfo{
		Name:        "notis",
		Address:     "http://localhost:8010",
		Description: "Servicio de notificaciones",
		Endpoints:   []string{"/", "/broadcast"},
	})
	log.Printf("注册结果: %s", state)

	// 启动心跳
	client.StartHeartbeat("notis", config.HeartbeatInterval)

	// 经总线调用另一个服务
	if data, err := client.CallViaBus(ctx, "regist", http.MethodGet, "/usuarios", nil, 5*time.Second); err == nil {
		log.Printf("regist 返回: %s", data)
	} else {
		log.Printf("调用 regist 失败: %v", err)
	}

	// 等待终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	log.Println("服务已启动，按Ctrl+C终止...")
	<-quit

	// 优雅关闭
	log.Println("正在关闭服务...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Close(shutdownCtx); err != nil {
		log.Printf("关闭SDK客户端失败: %v", err)
	}
	_ = srv.Shutdown(shutdownCtx)
	log.Println("服务已关闭")
}
