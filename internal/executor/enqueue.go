package executor

import (
	"context"

	"genflow/internal/shared/queue"
	"genflow/pkg/logging"
)

// EnqueueDispatcher 只投递不执行，供不内嵌执行器的 API Server 使用
//
// 未配置队列时什么都不做，由独立执行器进程的兜底扫描领取 queued Run。
type EnqueueDispatcher struct {
	queue  queue.RunQueue
	logger *logging.Logger
}

// NewEnqueueDispatcher 创建投递器；q 可为 nil
func NewEnqueueDispatcher(q queue.RunQueue, logger *logging.Logger) *EnqueueDispatcher {
	if logger == nil {
		logger = logging.Default("dispatcher")
	}
	return &EnqueueDispatcher{queue: q, logger: logger}
}

// Dispatch 投递 Run ID
func (d *EnqueueDispatcher) Dispatch(ctx context.Context, runID string) error {
	if d.queue == nil {
		d.logger.WithRunID(runID).Debug("No dispatch queue, run left for sweep")
		return nil
	}
	_, err := d.queue.EnqueueRun(ctx, runID)
	return err
}
