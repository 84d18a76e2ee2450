// Package etcd 基于 etcd 租约的执行心跳
//
// 每个执行中的 Run 在 {prefix}/runs/{run_id}/heartbeat 写入带 TTL 的租约键，
// 执行器失联后键随租约过期自动消失，回收器据此判定 Run 是否存活。
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"genflow/internal/shared/storage"
)

// Store etcd 心跳客户端
type Store struct {
	client *clientv3.Client
	prefix string
	ttl    int64
}

var _ storage.Heartbeats = (*Store)(nil)

// Config etcd 配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	TTL         time.Duration // 心跳租约时长
}

// heartbeat 心跳键的内容
type heartbeat struct {
	RunID    string    `json:"run_id"`
	WorkerID string    `json:"worker_id"`
	BeatAt   time.Time `json:"beat_at"`
}

// NewStore 创建 etcd 心跳客户端
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints not configured")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/genflow"
	}
	if cfg.TTL < time.Second {
		cfg.TTL = 30 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = client.Status(ctx, cfg.Endpoints[0])
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	log.Printf("[etcd] Connected to %v", cfg.Endpoints)
	return &Store{
		client: client,
		prefix: cfg.Prefix,
		ttl:    int64(cfg.TTL / time.Second),
	}, nil
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(runID string) string {
	return fmt.Sprintf("%s/runs/%s/heartbeat", s.prefix, runID)
}

// Beat 写入带租约的心跳键
func (s *Store) Beat(ctx context.Context, runID, workerID string) error {
	data, err := json.Marshal(heartbeat{RunID: runID, WorkerID: workerID, BeatAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	lease, err := s.client.Grant(ctx, s.ttl)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	if _, err := s.client.Put(ctx, s.key(runID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to put heartbeat: %w", err)
	}
	return nil
}

// Alive 心跳键仍存在即视为存活
func (s *Store) Alive(ctx context.Context, runID string) (bool, error) {
	resp, err := s.client.Get(ctx, s.key(runID), clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	return resp.Count > 0, nil
}

// Clear Run 结束后删除心跳键
func (s *Store) Clear(ctx context.Context, runID string) error {
	if _, err := s.client.Delete(ctx, s.key(runID)); err != nil {
		return fmt.Errorf("failed to delete heartbeat: %w", err)
	}
	return nil
}
