// Package queue 消息队列抽象接口
//
// 提交路径把 Run ID 投递到派发队列，执行器消费后领取执行。
// 队列只负责唤醒，Run 是否可执行始终以 Run Store 的条件领取为准。
package queue

import (
	"context"
	"time"
)

// RunQueue Run 派发队列接口
type RunQueue interface {
	// EnqueueRun 投递待执行的 Run
	EnqueueRun(ctx context.Context, runID string) (string, error)
	CreateConsumerGroup(ctx context.Context) error
	ConsumeRuns(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*RunMessage, error)
	AckRun(ctx context.Context, messageID string) error
	QueueLength(ctx context.Context) (int64, error)
}

// Queue 消息队列组合接口
type Queue interface {
	RunQueue
	Close() error
}
