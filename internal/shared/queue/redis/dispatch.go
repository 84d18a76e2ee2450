// Package redis 派发队列操作
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"genflow/internal/shared/queue"
)

// EnqueueRun 将 Run 加入派发队列
func (s *Store) EnqueueRun(ctx context.Context, runID string) (string, error) {
	args := &redis.XAddArgs{
		Stream: queue.KeyDispatchRuns,
		MaxLen: queue.MaxQueueLength,
		Approx: true,
		Values: map[string]interface{}{
			"run_id":      runID,
			"enqueued_at": time.Now().Format(time.RFC3339Nano),
		},
	}

	return s.client.XAdd(ctx, args).Result()
}

// CreateConsumerGroup 创建执行器消费者组
func (s *Store) CreateConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, queue.KeyDispatchRuns, queue.ExecutorConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// ConsumeRuns 消费派发队列中的 Run
func (s *Store) ConsumeRuns(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.RunMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.ExecutorConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{queue.KeyDispatchRuns, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var messages []*queue.RunMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			m := &queue.RunMessage{ID: msg.ID}
			if runID, ok := msg.Values["run_id"].(string); ok {
				m.RunID = runID
			}
			if enqueuedAt, ok := msg.Values["enqueued_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
					m.EnqueuedAt = t
				}
			}
			messages = append(messages, m)
		}
	}

	return messages, nil
}

// AckRun 确认派发消息已处理
func (s *Store) AckRun(ctx context.Context, messageID string) error {
	return s.client.XAck(ctx, queue.KeyDispatchRuns, queue.ExecutorConsumerGroup, messageID).Err()
}

// QueueLength 获取派发队列长度
func (s *Store) QueueLength(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, queue.KeyDispatchRuns).Result()
}
