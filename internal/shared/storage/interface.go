// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQL）、mongostore/、etcd/
//   - 初始化时通过依赖注入传入实现
//
// 注意：缓存、事件总线、队列在独立包中：
//   - cache/：Run 读穿缓存
//   - eventbus/：实时事件推送
//   - queue/：执行派发队列
package storage

import (
	"context"
	"encoding/json"
	"time"

	"genflow/internal/shared/model"
)

// ============================================================================
// RunStore - Run 生命周期
// ============================================================================

// RunStore Run 持久化接口
//
// 状态变更均为条件更新：源状态不在允许范围内时返回 ErrConflict 且无副作用，
// 因此终态不可被覆盖，MarkRunning 同时作为执行器的原子领取操作。
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	// GetRun 不存在时返回 ErrNotFound
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRunsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.Run, error)
	ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]*model.Run, error)
	DeleteRun(ctx context.Context, id string) error

	MarkRunning(ctx context.Context, id string) error
	MarkDone(ctx context.Context, id, resultRef string) error
	MarkError(ctx context.Context, id string, code model.ErrorCode, detail string) error
	MarkCancelled(ctx context.Context, id string) error

	// RequestCancel 设置取消标记，Run 已结束时返回 false
	RequestCancel(ctx context.Context, id string) (bool, error)
	IsCancelRequested(ctx context.Context, id string) (bool, error)

	// TouchHeartbeat 刷新执行心跳（仅 running 状态生效）
	TouchHeartbeat(ctx context.Context, id string, at time.Time) error
}

// ============================================================================
// EventLog - Run 事件日志
// ============================================================================

// EventLog 每个 Run 一条只追加的有序事件日志
type EventLog interface {
	// AppendEvent 原子分配下一个 seq 并写入；终止事件之后的追加返回 ErrRunTerminal
	AppendEvent(ctx context.Context, runID string, kind model.EventKind, payload json.RawMessage) (*model.Event, error)

	// ReadEvents 返回 seq >= cursor 的事件（按 seq 升序），limit <= 0 表示不限制
	// nextCursor 为最后一条 seq+1，结果为空时等于 cursor
	ReadEvents(ctx context.Context, runID string, cursor int64, limit int) (events []*model.Event, nextCursor int64, err error)

	// ReadAllEvents 返回完整日志
	ReadAllEvents(ctx context.Context, runID string) ([]*model.Event, error)

	// LastEvent 返回最后一条事件，日志为空时返回 (nil, nil)
	LastEvent(ctx context.Context, runID string) (*model.Event, error)
}

// ============================================================================
// Heartbeats - 执行器心跳
// ============================================================================

// Heartbeats 执行中 Run 的存活登记
//
// 默认实现基于 Run 表的 heartbeat_at 列；部署 etcd 时使用带 TTL 的租约。
type Heartbeats interface {
	Beat(ctx context.Context, runID, workerID string) error
	Alive(ctx context.Context, runID string) (bool, error)
	Clear(ctx context.Context, runID string) error
}

// ============================================================================
// PersistentStore - 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口（SQL/Mongo 实现均满足）
type PersistentStore interface {
	RunStore
	EventLog
	Close() error
}
