// Package queue 消息队列类型定义
package queue

import "time"

// RunMessage 派发消息
type RunMessage struct {
	ID         string
	RunID      string
	EnqueuedAt time.Time
}

const (
	// KeyDispatchRuns 派发队列 Stream
	KeyDispatchRuns = "dispatch:runs"

	// ExecutorConsumerGroup 执行器消费者组
	ExecutorConsumerGroup = "executors"

	// MaxQueueLength Stream 最大长度（近似裁剪）
	MaxQueueLength = 10000
)
