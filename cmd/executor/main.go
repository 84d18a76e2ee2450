// Package main 执行器入口
//
// 独立运行派发器、执行器与回收器，不提供 HTTP API。
// 多个进程可共享同一存储：Run 由条件更新领取，同一 Run 只会被一个进程执行。
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genflow/internal/bootstrap"
	"genflow/internal/config"
	"genflow/internal/shared/infra"
	"genflow/internal/shared/metrics"
	"genflow/pkg/logging"
)

func main() {
	log.Println("Starting Executor...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config: %s", cfg.String())
	log.Printf("Worker ID: %s", cfg.Executor.WorkerID)

	logger := logging.New(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inf, err := infra.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize infrastructure: %v", err)
	}
	defer inf.Close()

	m := metrics.New("genflow", prometheus.DefaultRegisterer)

	registry, _, err := bootstrap.Pipeline(cfg)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	worker := bootstrap.NewWorker(cfg, inf, registry, m, logger)
	if err := worker.Start(ctx); err != nil {
		log.Fatalf("Failed to start executor: %v", err)
	}

	// 指标端口可选
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("GET /metrics", promhttp.Handler())
			log.Printf("Metrics listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down Executor...")
	cancel()
	worker.Wait()
	log.Println("Executor stopped")
}
