package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"genflow/internal/shared/metrics"
	"genflow/internal/shared/model"
	"genflow/internal/shared/queue"
	"genflow/internal/shared/storage"
	"genflow/pkg/logging"
)

// Runner 执行单个 Run（由 Executor 实现）
type Runner interface {
	Execute(ctx context.Context, runID string) error
}

// DispatcherConfig 派发器配置
type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
	SweepBatch    int
	ConsumerID    string
	ConsumeBlock  time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.ConsumerID == "" {
		c.ConsumerID = "executor"
	}
	if c.ConsumeBlock <= 0 {
		c.ConsumeBlock = 2 * time.Second
	}
}

// Dispatcher 后台执行的 worker 池
//
// Run ID 来源：提交路径（进程内 channel 或 Redis 队列）与 queued 状态的兜底扫描。
// 同一进程内同一 Run 同时只派发一次；跨进程由 MarkRunning 条件领取保证。
type Dispatcher struct {
	cfg     DispatcherConfig
	runner  Runner
	runs    storage.RunStore
	queue   queue.RunQueue
	metrics *metrics.Metrics
	logger  *logging.Logger

	ch      chan string
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewDispatcher 创建派发器；q 为 nil 时仅使用进程内 channel
func NewDispatcher(cfg DispatcherConfig, runner Runner, runs storage.RunStore, q queue.RunQueue, m *metrics.Metrics, logger *logging.Logger) *Dispatcher {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewNop()
	}
	if logger == nil {
		logger = logging.Default("dispatcher")
	}
	return &Dispatcher{
		cfg:     cfg,
		runner:  runner,
		runs:    runs,
		queue:   q,
		metrics: m,
		logger:  logger,
		ch:      make(chan string, cfg.QueueSize),
		pending: make(map[string]struct{}),
	}
}

// Dispatch 请求执行 Run，不阻塞调用方
//
// 配置了 Redis 队列时投递到队列，否则直接进入本地 channel；
// 投递失败或 channel 已满时由兜底扫描补偿，因此不向调用方返回错误以外的结果。
func (d *Dispatcher) Dispatch(ctx context.Context, runID string) error {
	if d.queue != nil {
		if _, err := d.queue.EnqueueRun(ctx, runID); err != nil {
			d.logger.WithRunID(runID).WithError(err).Warn("Enqueue failed, falling back to local dispatch")
		} else {
			return nil
		}
	}
	d.submit(runID)
	return nil
}

// submit 放入本地 channel；已在处理中的 Run 忽略
func (d *Dispatcher) submit(runID string) bool {
	d.mu.Lock()
	if _, ok := d.pending[runID]; ok {
		d.mu.Unlock()
		return false
	}
	d.pending[runID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.ch <- runID:
		d.metrics.DispatchQueueDepth.Set(float64(len(d.ch)))
		return true
	default:
		d.release(runID)
		d.logger.WithRunID(runID).Warn("Dispatch channel full, run left for sweep")
		return false
	}
}

func (d *Dispatcher) release(runID string) {
	d.mu.Lock()
	delete(d.pending, runID)
	d.mu.Unlock()
}

// Pending 本地处理中的 Run 数量
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Start 启动 worker、队列消费与兜底扫描，阻塞直到 ctx 结束且所有 worker 退出
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Dispatcher started", "workers", d.cfg.Workers, "redis_queue", d.queue != nil)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()

	if d.queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.consumeLoop(ctx)
		}()
	}

	wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-d.ch:
			d.metrics.DispatchQueueDepth.Set(float64(len(d.ch)))
			d.execute(ctx, runID)
		}
	}
}

// execute 执行单个 Run；panic 被恢复并记录，不影响其他 worker
func (d *Dispatcher) execute(ctx context.Context, runID string) {
	defer d.release(runID)
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithRunID(runID).Error("Run execution panicked", "panic", r)
		}
	}()
	if err := d.runner.Execute(ctx, runID); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.WithRunID(runID).WithError(err).Error("Run execution failed")
	}
}

// sweepLoop 定期扫描 queued 状态的 Run，补偿丢失的派发信号
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	d.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep 把 queued 状态的 Run 放入本地 channel，返回新放入的数量
func (d *Dispatcher) Sweep(ctx context.Context) int {
	runs, err := d.runs.ListRunsByStatus(ctx, model.RunStatusQueued, d.cfg.SweepBatch)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.WithError(err).Warn("Sweep failed")
		}
		return 0
	}
	n := 0
	for _, run := range runs {
		if d.submit(run.ID) {
			n++
		}
	}
	if n > 0 {
		d.logger.Debug("Sweep dispatched queued runs", "count", n)
	}
	return n
}

// consumeLoop 从 Redis 队列消费派发消息
func (d *Dispatcher) consumeLoop(ctx context.Context) {
	if err := d.queue.CreateConsumerGroup(ctx); err != nil {
		d.logger.WithError(err).Error("Failed to create consumer group, relying on sweep")
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := d.queue.ConsumeRuns(ctx, d.cfg.ConsumerID, int64(d.cfg.Workers), d.cfg.ConsumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.WithError(err).Warn("Consume failed")
			if sleepContext(ctx, time.Second) != nil {
				return
			}
			continue
		}
		for _, msg := range msgs {
			d.submit(msg.RunID)
			if err := d.queue.AckRun(ctx, msg.ID); err != nil {
				d.logger.WithRunID(msg.RunID).WithError(err).Warn("Ack failed")
			}
		}
	}
}
