// Package bootstrap 进程装配：按配置构建生成管线与后台执行组件
//
// API Server（内嵌执行器时）与独立执行器进程共用同一套装配逻辑。
package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"genflow/internal/config"
	"genflow/internal/executor"
	"genflow/internal/pipeline"
	"genflow/internal/pipeline/llm"
	"genflow/internal/shared/infra"
	"genflow/internal/shared/metrics"
	"genflow/pkg/logging"
)

// Policy 由执行器配置生成默认执行策略
func Policy(cfg config.ExecutorConfig) pipeline.Policy {
	return pipeline.DefaultPolicy().Merge(pipeline.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff,
		MaxBackoff:  cfg.Retry.MaxBackoff,
		StepTimeout: cfg.StepTimeout,
		RunTimeout:  cfg.RunTimeout,
	})
}

// Pipeline 为所有 job type 注册 LLM 策略，并创建追问回答器
func Pipeline(cfg *config.Config) (*pipeline.Registry, pipeline.Answerer, error) {
	client := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	})
	reg := pipeline.NewRegistry()
	if err := llm.RegisterAll(reg, client, Policy(cfg.Executor)); err != nil {
		return nil, nil, fmt.Errorf("register strategies: %w", err)
	}
	return reg, llm.NewAnswerer(client), nil
}

// Worker 执行器 + 派发器 + 回收器
type Worker struct {
	Executor   *executor.Executor
	Dispatcher *executor.Dispatcher
	Reaper     *executor.Reaper

	wg sync.WaitGroup
}

// NewWorker 在已初始化的基础设施上组装后台执行组件
func NewWorker(cfg *config.Config, inf *infra.Infrastructure, reg *pipeline.Registry, m *metrics.Metrics, logger *logging.Logger) *Worker {
	exec := executor.New(executor.Config{
		WorkerID:           cfg.Executor.WorkerID,
		HeartbeatInterval:  cfg.Executor.HeartbeatInterval,
		CancelPollInterval: cfg.Executor.CancelPollInterval,
	}, executor.Deps{
		Runs:       inf.Storage,
		Events:     inf.Storage,
		Heartbeats: inf.Heartbeats,
		Registry:   reg,
		Results:    inf.Results,
		Bus:        inf.EventBus,
		Metrics:    m,
		Logger:     logger.Component("executor"),
	})

	dispatcher := executor.NewDispatcher(executor.DispatcherConfig{
		Workers:       cfg.Executor.Workers,
		QueueSize:     cfg.Executor.QueueSize,
		SweepInterval: cfg.Executor.SweepInterval,
		ConsumerID:    cfg.Executor.WorkerID,
	}, exec, inf.Storage, inf.Queue, m, logger.Component("dispatcher"))

	reaper := executor.NewReaper(executor.ReaperConfig{
		Schedule:  cfg.Reaper.Schedule,
		Grace:     cfg.Reaper.Grace,
		BatchSize: cfg.Reaper.BatchSize,
	}, inf.Storage, inf.Storage, inf.Heartbeats, m, logger.Component("reaper"))

	return &Worker{Executor: exec, Dispatcher: dispatcher, Reaper: reaper}
}

// Start 启动派发器与回收器；ctx 结束后调用 Wait 等待退出
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Reaper.Start(); err != nil {
		return err
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Dispatcher.Start(ctx)
	}()
	return nil
}

// Wait 等待派发器 worker 退出并停止回收器
func (w *Worker) Wait() {
	w.wg.Wait()
	w.Reaper.Stop()
}
