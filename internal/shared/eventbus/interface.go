// Package eventbus 事件总线抽象接口
//
// 执行器写入事件日志后把事件广播到总线，WebSocket 网关订阅总线获得实时通知。
// 总线只是唤醒信号：顺序与完整性始终以事件日志为准。
package eventbus

import (
	"context"

	"genflow/internal/shared/model"
)

// RunEventBus Run 事件总线接口
type RunEventBus interface {
	PublishRunEvent(ctx context.Context, event *model.Event) error
	// SubscribeRunEvents 订阅 Run 的新事件，ctx 结束时关闭返回的 channel
	SubscribeRunEvents(ctx context.Context, runID string) (<-chan *model.Event, error)
	DeleteRunEvents(ctx context.Context, runID string) error
}

// EventBus 事件总线组合接口
type EventBus interface {
	RunEventBus
	Close() error
}
