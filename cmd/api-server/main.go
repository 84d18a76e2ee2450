// Package main API Server 入口
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"genflow/internal/apiserver/auth"
	"genflow/internal/apiserver/run"
	"genflow/internal/apiserver/server"
	"genflow/internal/bootstrap"
	"genflow/internal/config"
	"genflow/internal/executor"
	"genflow/internal/shared/infra"
	"genflow/internal/shared/metrics"
	"genflow/pkg/logging"
)

func main() {
	// 加载配置（.env → common.yaml → {env}.yaml → 环境变量）
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	logger := logging.New(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化存储、Redis、etcd、MinIO（按配置启用）
	inf, err := infra.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize infrastructure: %v", err)
	}
	defer inf.Close()

	m := metrics.New("genflow", prometheus.DefaultRegisterer)

	registry, answerer, err := bootstrap.Pipeline(cfg)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	// 内嵌执行器时直接派发给本进程的 worker 池，否则只投递到队列
	var dispatcher run.Dispatcher
	var worker *bootstrap.Worker
	if cfg.Executor.Embedded {
		worker = bootstrap.NewWorker(cfg, inf, registry, m, logger)
		if err := worker.Start(ctx); err != nil {
			log.Fatalf("Failed to start executor: %v", err)
		}
		dispatcher = worker.Dispatcher
		log.Printf("Embedded executor started [worker_id=%s workers=%d]", cfg.Executor.WorkerID, cfg.Executor.Workers)
	} else {
		dispatcher = executor.NewEnqueueDispatcher(inf.Queue, logger.Component("dispatcher"))
		log.Println("Executor not embedded, runs are picked up by executor processes")
	}

	svc := run.NewService(run.ServiceDeps{
		Store:      inf.Storage,
		Results:    inf.Results,
		Registry:   registry,
		Dispatcher: dispatcher,
		Answerer:   answerer,
		Metrics:    m,
	})

	authCfg := auth.Config{
		JWTSecret:      cfg.Auth.JWTSecret,
		Issuer:         cfg.Auth.Issuer,
		AccessTokenTTL: cfg.Auth.AccessTokenTTL,
	}
	h, err := server.NewHandler(server.Deps{
		Runs:     svc,
		Bus:      inf.EventBus,
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
		Auth:     authCfg,
		Server:   cfg.Server,
	})
	if err != nil {
		log.Fatalf("Failed to create handler: %v", err)
	}
	if !authCfg.Enabled() {
		log.Printf("WARNING: JWT_SECRET not set, owner is taken from the %s header", auth.DevOwnerHeader)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		h.Gateway().CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.Server.Port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	// HTTP 停止后再结束执行器
	cancel()
	if worker != nil {
		worker.Wait()
	}

	fmt.Println("Server stopped")
}
