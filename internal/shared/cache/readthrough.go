package cache

import (
	"context"
	"log"
	"time"

	"genflow/internal/shared/model"
	"genflow/internal/shared/storage"
)

// ReadThroughStore 在 PersistentStore 之上为终态 Run 加一层读穿缓存
//
// 除 GetRun / DeleteRun 外的方法直接委托给底层存储。
type ReadThroughStore struct {
	storage.PersistentStore
	cache RunCache
	ttl   time.Duration
}

// NewReadThroughStore 创建读穿缓存存储
func NewReadThroughStore(store storage.PersistentStore, c RunCache, ttl time.Duration) *ReadThroughStore {
	if ttl <= 0 {
		ttl = DefaultRunTTL
	}
	return &ReadThroughStore{PersistentStore: store, cache: c, ttl: ttl}
}

// GetRun 先查缓存，未命中回源；仅终态 Run 写入缓存
func (s *ReadThroughStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	if run, err := s.cache.GetRun(ctx, id); err != nil {
		log.Printf("[cache.run.get.error] run_id=%s err=%v", id, err)
	} else if run != nil {
		return run, nil
	}

	run, err := s.PersistentStore.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.IsTerminal() {
		if err := s.cache.SetRun(ctx, run, s.ttl); err != nil {
			log.Printf("[cache.run.set.error] run_id=%s err=%v", id, err)
		}
	}
	return run, nil
}

// DeleteRun 删除 Run 并失效缓存
func (s *ReadThroughStore) DeleteRun(ctx context.Context, id string) error {
	if err := s.PersistentStore.DeleteRun(ctx, id); err != nil {
		return err
	}
	if err := s.cache.DeleteRun(ctx, id); err != nil {
		log.Printf("[cache.run.delete.error] run_id=%s err=%v", id, err)
	}
	return nil
}
