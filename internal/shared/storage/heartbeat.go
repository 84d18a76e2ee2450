package storage

import (
	"context"
	"time"
)

// RunHeartbeats 基于 Run 记录 heartbeat_at 字段的心跳实现（未部署 etcd 时使用）
type RunHeartbeats struct {
	runs RunStore
	ttl  time.Duration
	now  func() time.Time
}

var _ Heartbeats = (*RunHeartbeats)(nil)

// NewRunHeartbeats 创建基于 Run 记录的心跳；ttl 内未刷新视为失联
func NewRunHeartbeats(runs RunStore, ttl time.Duration) *RunHeartbeats {
	return &RunHeartbeats{runs: runs, ttl: ttl, now: time.Now}
}

func (h *RunHeartbeats) Beat(ctx context.Context, runID, _ string) error {
	return h.runs.TouchHeartbeat(ctx, runID, h.now())
}

func (h *RunHeartbeats) Alive(ctx context.Context, runID string) (bool, error) {
	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	last := run.HeartbeatAt
	if last == nil {
		last = run.StartedAt
	}
	if last == nil {
		return false, nil
	}
	return h.now().Sub(*last) < h.ttl, nil
}

// Clear 心跳随 Run 终态自然失效
func (h *RunHeartbeats) Clear(context.Context, string) error {
	return nil
}
