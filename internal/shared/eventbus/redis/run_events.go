// Package redis RunEvents 事件总线操作
package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"genflow/internal/shared/eventbus"
	"genflow/internal/shared/model"
)

func streamKey(runID string) string {
	return eventbus.KeyRunEvents + runID
}

// PublishRunEvent 发布 Run 事件
func (s *Store) PublishRunEvent(ctx context.Context, event *model.Event) error {
	key := streamKey(event.RunID)

	args := &redis.XAddArgs{
		Stream: key,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"seq":       event.Seq,
			"kind":      string(event.Kind),
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(event.Payload),
		},
	}

	if _, err := s.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}

	// 终止事件之后不会再有新事件，流只需保留到订阅方收尾
	if event.IsTerminal() {
		s.client.Expire(ctx, key, eventbus.StreamTTL)
	}
	return nil
}

// SubscribeRunEvents 订阅 Run 事件（从订阅时刻之后开始）
func (s *Store) SubscribeRunEvents(ctx context.Context, runID string) (<-chan *model.Event, error) {
	key := streamKey(runID)
	ch := make(chan *model.Event, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() == nil {
					log.Printf("[Redis/EventBus] Run event subscription error: run_id=%s err=%v", runID, err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- decodeEvent(runID, msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// DeleteRunEvents 删除 Run 事件流
func (s *Store) DeleteRunEvents(ctx context.Context, runID string) error {
	return s.client.Del(ctx, streamKey(runID)).Err()
}

func decodeEvent(runID string, msg redis.XMessage) *model.Event {
	e := &model.Event{RunID: runID}
	if v, ok := msg.Values["seq"].(string); ok {
		e.Seq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := msg.Values["kind"].(string); ok {
		e.Kind = model.EventKind(v)
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.Timestamp = t
		}
	}
	if v, ok := msg.Values["payload"].(string); ok && v != "" {
		e.Payload = []byte(v)
	}
	return e
}
