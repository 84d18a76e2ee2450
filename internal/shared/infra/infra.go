// Package infra 基础设施聚合层
//
// 按配置统一初始化并注入：
//   - Storage：Run Store + Event Log（SQLite / PostgreSQL / MongoDB）
//   - Cache：终态 Run 的读穿缓存（Redis，可选）
//   - EventBus：事件唤醒通知（Redis Streams，可选）
//   - Queue：派发队列（Redis Streams，可选）
//   - Heartbeats：执行心跳（etcd 租约，未配置时写入 Run 记录）
//   - Results：最终结果存储（MinIO 对象，未配置时保存在事件日志中）
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"genflow/internal/config"
	"genflow/internal/shared/cache"
	"genflow/internal/shared/eventbus"
	objstore "genflow/internal/shared/minio"
	"genflow/internal/shared/queue"
	"genflow/internal/shared/resultstore"
	"genflow/internal/shared/storage"
	postgresdriver "genflow/internal/shared/storage/driver/postgres"
	sqlitedriver "genflow/internal/shared/storage/driver/sqlite"
	etcdstore "genflow/internal/shared/storage/etcd"
	"genflow/internal/shared/storage/mongostore"
	"genflow/internal/shared/storage/repository"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Storage 持久化存储；启用 Redis 时外层包一层终态 Run 缓存
	Storage storage.PersistentStore

	// Cache 缓存（Redis），未启用时为 nil
	Cache cache.Cache

	// EventBus 事件总线，未启用 Redis 时为 NoOp
	EventBus eventbus.EventBus

	// Queue 派发队列（Redis），未启用时为 nil
	Queue queue.Queue

	// Heartbeats 执行心跳
	Heartbeats storage.Heartbeats

	// Results 最终结果存储
	Results resultstore.Store

	closers []func() error
}

// New 按配置初始化全部基础设施；任一必需组件失败时关闭已打开的连接
func New(ctx context.Context, cfg *config.Config) (_ *Infrastructure, err error) {
	i := &Infrastructure{}
	defer func() {
		if err != nil {
			i.Close()
		}
	}()

	store, err := OpenStorage(cfg)
	if err != nil {
		return nil, err
	}
	i.Storage = store
	i.closers = append(i.closers, store.Close)
	log.Printf("[infra] storage driver=%s", cfg.DatabaseDriver)

	i.EventBus = eventbus.NewNoOpEventBus()
	if cfg.RedisURL != "" {
		redisInfra, err := NewRedisInfra(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		i.closers = append(i.closers, redisInfra.Close)
		i.Cache = redisInfra.Cache()
		i.EventBus = redisInfra.EventBus()
		i.Queue = redisInfra.Queue()
		i.Storage = cache.NewReadThroughStore(store, i.Cache, cfg.Redis.CacheTTL)
	}

	if len(cfg.Etcd.Endpoints) > 0 {
		hb, err := etcdstore.NewStore(etcdstore.Config{
			Endpoints: cfg.Etcd.Endpoints,
			Prefix:    cfg.Etcd.Prefix,
			TTL:       cfg.Etcd.TTL,
		})
		if err != nil {
			return nil, err
		}
		i.closers = append(i.closers, hb.Close)
		i.Heartbeats = hb
	} else {
		i.Heartbeats = storage.NewRunHeartbeats(i.Storage, 3*cfg.Executor.HeartbeatInterval)
	}

	results, err := newResultStore(ctx, cfg, i.Storage)
	if err != nil {
		return nil, err
	}
	i.Results = results
	return i, nil
}

// OpenStorage 根据驱动类型打开持久化存储（SQL 驱动自动建表）
func OpenStorage(cfg *config.Config) (storage.PersistentStore, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		db, err := sqlitedriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := sqlitedriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite auto-migrate failed: %w", err)
		}
		return repository.NewStore(db, dialect), nil
	case "postgres":
		db, err := postgresdriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := postgresdriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres auto-migrate failed: %w", err)
		}
		return repository.NewStore(db, dialect), nil
	case "mongodb":
		return mongostore.NewStore(cfg.DatabaseURL, cfg.DatabaseName)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DatabaseDriver)
	}
}

// newResultStore 结果总能从事件日志读取；启用 MinIO 时新结果写入对象存储
func newResultStore(ctx context.Context, cfg *config.Config, events storage.EventLog) (resultstore.Store, error) {
	stores := map[string]resultstore.Store{
		resultstore.SchemeLog: resultstore.NewLogStore(events),
	}
	primary := resultstore.SchemeLog

	if cfg.MinIO.Enabled {
		client, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure result bucket: %w", err)
		}
		stores[resultstore.SchemeObject] = resultstore.NewObjectStore(client)
		primary = resultstore.SchemeObject
		log.Printf("[infra] results stored in minio bucket=%s", client.Bucket())
	}

	return resultstore.NewResolver(primary, stores)
}

// Close 关闭所有基础设施连接（逆序）
func (i *Infrastructure) Close() error {
	var lastErr error
	for n := len(i.closers) - 1; n >= 0; n-- {
		if err := i.closers[n](); err != nil {
			lastErr = err
		}
	}
	i.closers = nil
	return lastErr
}

// NewNoOpInfrastructure 在给定存储上组装不依赖外部服务的基础设施（用于测试）
func NewNoOpInfrastructure(store storage.PersistentStore) *Infrastructure {
	return &Infrastructure{
		Storage:    store,
		EventBus:   eventbus.NewNoOpEventBus(),
		Heartbeats: storage.NewRunHeartbeats(store, 30*time.Second),
		Results:    resultstore.NewLogStore(store),
	}
}
