package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	_ "cboxing/internal/backend/host"
	"cboxing/internal/config"
	"cboxing/internal/device"
	"cboxing/internal/metrics"
	"cboxing/internal/node"
	"cboxing/internal/observability"
	"cboxing/internal/scheduler"
	"cboxing/pkg/model"
	"cboxing/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// 1. 配置与日志
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to setup logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 设备探测
	probe, closeProbe, err := newProbe(cfg)
	if err != nil {
		logger.Fatal("init device probe", zap.Error(err))
	}
	defer closeProbe()

	// 3. 初始化调度器，后端数量不为 1 时直接退出
	sched, err := scheduler.NewScheduler(ctx, scheduler.Options{
		MachineID:            cfg.MachineID,
		EnableFusion:         cfg.Scheduler.EnableFusion,
		FusionThresholdBytes: cfg.Scheduler.FusionThresholdBytes,
		Probe:                probe,
		Logger:               logger,
		Metrics:              metrics.New(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logger.Fatal("init scheduler", zap.Error(err))
	}

	// 4. 连接 Etcd
	etcdManager, err := store.NewEtcdManager(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Node.LeaseTTL, logger)
	if err != nil {
		logger.Fatal("connect etcd", zap.Error(err))
	}
	defer etcdManager.Close()
	logger.Info("connected to etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))

	// 5. 指标
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: promhttp.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// 6. 启动 Agent
	devices, err := device.Counts(ctx, probe, []model.DeviceType{sched.DeviceType()})
	if err != nil {
		logger.Fatal("probe devices", zap.Error(err))
	}
	agent := node.NewAgent(etcdManager, sched, node.Options{
		MachineID:         cfg.MachineID,
		Name:              cfg.NodeName,
		Devices:           devices,
		HeartbeatInterval: cfg.Node.HeartbeatInterval,
		Logger:            logger,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := agent.Run(ctx); err != nil {
			logger.Error("agent stopped", zap.Error(err))
		}
	}()

	// 7. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	logger.Info("shutting down node")
	cancel()
	<-done
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
}

func newProbe(cfg *config.Config) (device.Probe, func(), error) {
	if cfg.Device.Probe == "docker" {
		p, err := device.NewDockerProbe(cfg.DockerKinds())
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	}
	return device.StaticProbe(cfg.DeviceCounts()), func() {}, nil
}
