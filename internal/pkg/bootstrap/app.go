// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/pkg/nacos"
	"nexus-shipping/internal/pkg/tracing"
)

type AppCtx struct {
	Router *mux.Router
	Nacos  *nacos.Client // 未启用 nacos 时为 nil
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 一个函数，允许每个服务注册自己独特的 HTTP 路由

	// Workers 是与 HTTP 服务一同运行的后台任务（消费者、调度器……），ctx 取消时应当返回
	Workers []func(ctx context.Context) error
	// Cleanups 在关停时按注册的逆序执行（后进先出）
	Cleanups []func(ctx context.Context) error

	// Nacos 允许调用方复用组装阶段已经创建的客户端（例如用于服务发现）
	Nacos *nacos.Client
	// Metadata 随实例注册到 Nacos
	Metadata map[string]string
}

// NewNacosClient 按配置创建 Nacos 客户端，未启用时返回 nil
func NewNacosClient(cfg *Config) (*nacos.Client, error) {
	if !cfg.Infra.Nacos.Enabled {
		return nil, nil
	}
	return nacos.NewNacosClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
}

// Init 加载配置并初始化日志，必须在 StartService 之前调用
func Init() *Config {
	cfg, err := LoadConfig(getEnv("CONFIG_FILE", defaultConfigFile))
	if err != nil {
		// 日志还没初始化，直接使用全局 logger
		log.Fatal().Err(err).Msg("failed to load config")
	}
	SetCurrentConfig(cfg)
	logger.Init(cfg.App.Name, cfg.App.LogLevel)
	return cfg
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 2. 服务注册（可选）
	namingClient := info.Nacos
	if namingClient == nil {
		namingClient, err = NewNacosClient(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize nacos client")
		}
	}
	var ip string
	if namingClient != nil {
		ip, err = getOutboundIP()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port, info.Metadata); err != nil {
			log.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 3. 创建并启动 HTTP Server
	router := mux.NewRouter()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Router: router, Nacos: namingClient})
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("service", info.ServiceName).Int("port", info.Port).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrapf(err, "listen on %s", server.Addr)
		}
		return nil
	})
	for _, w := range info.Workers {
		w := w
		g.Go(func() error { return w(gctx) })
	}

	// 4. 阻塞直到收到退出信号，或者任意一个 worker 失败
	<-gctx.Done()
	log.Info().Str("service", info.ServiceName).Msg("Shutting down service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// a. 从 Nacos 注销服务，先切断新流量
	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Error().Err(err).Msg("Error deregistering from Nacos")
		}
	}

	// b. 关闭 HTTP 服务器
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down http server")
	}

	// c. 等待后台 worker 退出
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Service stopped with error")
	}

	// d. 服务自身的清理（后进先出）
	for i := len(info.Cleanups) - 1; i >= 0; i-- {
		if err := info.Cleanups[i](shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Cleanup failed")
		}
	}

	// e. 最后关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down tracer provider")
	}

	log.Info().Str("service", info.ServiceName).Msg("Service gracefully shut down.")
}

// getOutboundIP 通过一个 UDP "连接" 找出默认路由使用的本机地址（不会真正发包）
func getOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// RunWorkers 用于没有 HTTP 入口的进程（如 task-dispatcher）：运行 workers 直到收到信号
func RunWorkers(serviceName string, workers []func(ctx context.Context) error, cleanups ...func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w(gctx) })
	}
	err := g.Wait()
	log.Info().Str("service", serviceName).Msg("Workers stopped, running cleanups")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(cleanups) - 1; i >= 0; i-- {
		if cerr := cleanups[i](shutdownCtx); cerr != nil {
			log.Error().Err(cerr).Msg("Cleanup failed")
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
