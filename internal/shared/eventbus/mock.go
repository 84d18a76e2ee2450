// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"

	"genflow/internal/shared/model"
)

// NoOpEventBus 不做任何操作的 EventBus 实现（未部署 Redis 时使用）
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Close 关闭事件总线
func (e *NoOpEventBus) Close() error {
	return nil
}

func (e *NoOpEventBus) PublishRunEvent(ctx context.Context, event *model.Event) error {
	return nil
}

// SubscribeRunEvents 返回一个在 ctx 结束时关闭的空 channel，订阅方退化为轮询
func (e *NoOpEventBus) SubscribeRunEvents(ctx context.Context, runID string) (<-chan *model.Event, error) {
	ch := make(chan *model.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (e *NoOpEventBus) DeleteRunEvents(ctx context.Context, runID string) error {
	return nil
}

// 确保 NoOpEventBus 实现了 EventBus 接口
var _ EventBus = (*NoOpEventBus)(nil)
