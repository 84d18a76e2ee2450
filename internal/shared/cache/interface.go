// Package cache 缓存层抽象接口
//
// 只缓存已结束的 Run：终态不可变，缓存不会与 Run Store 产生分歧。
package cache

import (
	"context"
	"time"

	"genflow/internal/shared/model"
)

// RunCache Run 缓存接口
type RunCache interface {
	// GetRun 未命中时返回 (nil, nil)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	SetRun(ctx context.Context, run *model.Run, ttl time.Duration) error
	DeleteRun(ctx context.Context, id string) error
}

// Cache 缓存组合接口
type Cache interface {
	RunCache
	Close() error
}

const (
	// KeyRunPrefix Run 缓存 Key 前缀
	KeyRunPrefix = "run:"

	// DefaultRunTTL 终态 Run 的缓存时长
	DefaultRunTTL = 30 * time.Minute
)
