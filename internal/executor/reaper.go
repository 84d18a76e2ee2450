package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"genflow/internal/shared/metrics"
	"genflow/internal/shared/model"
	"genflow/internal/shared/storage"
	"genflow/pkg/logging"
)

// ReaperConfig 回收器配置
type ReaperConfig struct {
	Schedule   string        // cron 表达式，如 "@every 30s"
	Grace      time.Duration // 领取后的宽限期，期间不判定心跳
	BatchSize  int
	SweepLimit time.Duration // 单次扫描的最长耗时
}

func (c *ReaperConfig) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "@every 30s"
	}
	if c.Grace <= 0 {
		c.Grace = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 20 * time.Second
	}
}

// Reaper 修复 running 状态的 Run
//
//   - 日志已有终态事件但 Run Store 未更新：按终态事件补写状态
//   - 执行器心跳失效：追加 executor_lost 错误事件并置为 error
type Reaper struct {
	cfg        ReaperConfig
	runs       storage.RunStore
	events     storage.EventLog
	heartbeats storage.Heartbeats
	metrics    *metrics.Metrics
	logger     *logging.Logger
	cron       *cron.Cron
	now        func() time.Time
}

// NewReaper 创建回收器
func NewReaper(cfg ReaperConfig, runs storage.RunStore, events storage.EventLog, hb storage.Heartbeats, m *metrics.Metrics, logger *logging.Logger) *Reaper {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewNop()
	}
	if logger == nil {
		logger = logging.Default("reaper")
	}
	return &Reaper{
		cfg:        cfg,
		runs:       runs,
		events:     events,
		heartbeats: hb,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Start 按 cron 计划启动
func (r *Reaper) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SweepLimit)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.WithError(err).Warn("Reaper sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.cfg.Schedule, err)
	}
	r.cron = c
	c.Start()
	r.logger.Info("Reaper started", "schedule", r.cfg.Schedule)
	return nil
}

// Stop 停止调度并等待进行中的扫描结束
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep 扫描一次，返回修复的 Run 数量
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	runs, err := r.runs.ListRunsByStatus(ctx, model.RunStatusRunning, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, run := range runs {
		ok, err := r.inspect(ctx, run)
		if err != nil {
			r.logger.WithRunID(run.ID).WithError(err).Warn("Failed to inspect run")
			continue
		}
		if ok {
			repaired++
		}
	}
	return repaired, nil
}

func (r *Reaper) inspect(ctx context.Context, run *model.Run) (bool, error) {
	last, err := r.events.LastEvent(ctx, run.ID)
	if err != nil {
		return false, err
	}
	if last != nil && last.IsTerminal() {
		return true, r.reconcile(ctx, run, last)
	}

	if run.StartedAt != nil && r.now().Sub(*run.StartedAt) < r.cfg.Grace {
		return false, nil
	}
	alive, err := r.heartbeats.Alive(ctx, run.ID)
	if err != nil || alive {
		return false, err
	}

	msg := "executor heartbeat lost"
	payload, err := model.EncodePayload(model.ErrorPayload{Code: model.ErrorCodeExecutorLost, Message: msg})
	if err != nil {
		return false, err
	}
	if _, err := r.events.AppendEvent(ctx, run.ID, model.EventKindError, payload); err != nil {
		if errors.Is(err, storage.ErrRunTerminal) {
			// 执行器恰好在此刻写入终态，下一轮对账
			return false, nil
		}
		return false, err
	}
	if err := r.runs.MarkError(ctx, run.ID, model.ErrorCodeExecutorLost, msg); err != nil && !errors.Is(err, storage.ErrConflict) {
		return false, err
	}
	r.metrics.ReaperRepaired.WithLabelValues("executor_lost").Inc()
	r.metrics.RecordRunFinished(string(run.JobType), string(model.RunStatusError), 0)
	r.logger.RunLog("executor_lost", run.ID)
	return true, nil
}

// reconcile 按终态事件补写 Run 状态
func (r *Reaper) reconcile(ctx context.Context, run *model.Run, last *model.Event) error {
	var err error
	switch last.Kind {
	case model.EventKindComplete:
		var p model.CompletePayload
		if err := last.DecodePayload(&p); err != nil {
			return err
		}
		err = r.runs.MarkDone(ctx, run.ID, p.ResultRef)
	case model.EventKindError:
		var p model.ErrorPayload
		if err := last.DecodePayload(&p); err != nil {
			return err
		}
		err = r.runs.MarkError(ctx, run.ID, p.Code, p.Message)
	case model.EventKindCancelled:
		err = r.runs.MarkCancelled(ctx, run.ID)
	}
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return err
	}
	r.metrics.ReaperRepaired.WithLabelValues("reconciled").Inc()
	r.logger.RunLog("reconciled", run.ID, "kind", string(last.Kind))
	return nil
}
