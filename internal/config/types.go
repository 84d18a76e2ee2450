// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（common.yaml，再由 {env}.yaml 覆盖）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：密码/密钥只从环境变量读取，YAML 中不存储任何密码。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：prod → /etc/genflow/，dev/test → ./configs/
package config

import (
	"time"

	"genflow/pkg/logging"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Executor ExecutorConfig `yaml:"executor"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Auth     AuthConfig     `yaml:"auth"`
	LLM      LLMConfig      `yaml:"llm"`
	Log      logging.Config `yaml:"log"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port             string        `yaml:"port"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	ValidateRequests bool          `yaml:"validate_requests"` // 按 OpenAPI 文档校验请求
	CORSOrigin       string        `yaml:"cors_origin"`
}

// DatabaseConfig Run Store / Event Log 存储配置
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite", "postgres" 或 "mongodb"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	URI      string `yaml:"uri"` // MongoDB 连接 URI，优先于 host/port
}

// RedisConfig Redis 配置；未启用时派发只走进程内队列，WebSocket 只靠轮询日志
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	DB       int           `yaml:"db"`
	Password string        `yaml:"-"` // 只从 REDIS_PASSWORD 环境变量读取
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"` // 终态 Run 的缓存时长
}

// EtcdConfig etcd 心跳配置；未配置时心跳写入 Run 记录
type EtcdConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// MinIOConfig MinIO 对象存储配置；未启用时最终结果只保存在事件日志中
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ACCESS_KEY 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_SECRET_KEY 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	Embedded           bool          `yaml:"embedded"` // API Server 进程内运行执行器
	WorkerID           string        `yaml:"worker_id"`
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	SweepInterval      time.Duration `yaml:"sweep_interval"` // 兜底扫描 queued Run 的周期
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`
	Retry              RetryConfig   `yaml:"retry"`
	StepTimeout        time.Duration `yaml:"step_timeout"`
	RunTimeout         time.Duration `yaml:"run_timeout"`
}

// RetryConfig 步骤重试策略
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// ReaperConfig 回收器配置
type ReaperConfig struct {
	Schedule  string        `yaml:"schedule"` // cron 表达式，如 "@every 30s"
	Grace     time.Duration `yaml:"grace"`    // 领取后多久才检查心跳
	BatchSize int           `yaml:"batch_size"`
}

// AuthConfig 认证配置；JWTSecret 为空时进入开发模式
type AuthConfig struct {
	JWTSecret      string        `yaml:"-"` // 只从 JWT_SECRET 环境变量读取
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// LLMConfig OpenAI 兼容的模型服务配置
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"-"` // 只从 LLM_API_KEY 环境变量读取
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "sqlite", "postgres" 或 "mongodb"
	DatabaseURL    string
	DatabaseName   string // MongoDB 数据库名称
	RedisURL       string // 为空表示未启用 Redis

	Server   ServerConfig
	Etcd     EtcdConfig
	MinIO    MinIOConfig
	Executor ExecutorConfig
	Reaper   ReaperConfig
	Auth     AuthConfig
	LLM      LLMConfig
	Log      logging.Config
	Redis    RedisConfig

	ConfigFilePath string // 实际加载的 {env}.yaml 路径
}
