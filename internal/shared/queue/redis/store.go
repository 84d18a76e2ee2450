// Package redis 基于 Redis Streams 的派发队列实现
package redis

import (
	"github.com/redis/go-redis/v9"

	"genflow/internal/shared/queue"
)

// Store Redis 派发队列
type Store struct {
	client *redis.Client
}

var _ queue.Queue = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建队列
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}
