package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"genflow/pkg/logging"
)

// defaults 代码硬编码默认值（开发环境开箱即用：SQLite，无 Redis/etcd/MinIO）
func defaults() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Port:             "8080",
			ShutdownTimeout:  15 * time.Second,
			ValidateRequests: true,
			CORSOrigin:       "*",
		},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Path:    "genflow.db",
			Host:    "localhost",
			Port:    5432,
			User:    "genflow",
			Name:    "genflow",
			SSLMode: "disable",
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379, CacheTTL: 30 * time.Minute},
		Etcd:  EtcdConfig{Prefix: "/genflow", TTL: 30 * time.Second},
		MinIO: MinIOConfig{Endpoint: "localhost:9000", Bucket: "genflow-results"},
		Executor: ExecutorConfig{
			Embedded:           true,
			Workers:            4,
			QueueSize:          256,
			SweepInterval:      15 * time.Second,
			HeartbeatInterval:  5 * time.Second,
			CancelPollInterval: 500 * time.Millisecond,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseBackoff: 500 * time.Millisecond,
				MaxBackoff:  10 * time.Second,
			},
			StepTimeout: 2 * time.Minute,
			RunTimeout:  15 * time.Minute,
		},
		Reaper: ReaperConfig{Schedule: "@every 30s", Grace: time.Minute, BatchSize: 100},
		Auth:   AuthConfig{Issuer: "genflow", AccessTokenTTL: time.Hour},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434/v1",
			Model:       "llama3.1",
			Temperature: 0.3,
			MaxTokens:   2048,
			Timeout:     2 * time.Minute,
		},
		Log: logging.Config{Level: "info", Format: "text", Output: "stdout"},
	}
}

// Load 加载配置
//  1. 加载 .env（敏感信息 + APP_ENV）
//  2. 加载 common.yaml，再由 {env}.yaml 覆盖
//  3. 环境变量覆盖并构建最终配置
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)
	// .env 中可能才设置了 APP_ENV
	env = parseEnv(getEnv("APP_ENV", string(env)))

	yamlCfg, path, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}
	cfg := build(env, yamlCfg)
	cfg.ConfigFilePath = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml；文件不存在时跳过
func loadYAMLConfig(env Environment) (*YAMLConfig, string, error) {
	cfg := defaults()
	var loaded string
	for _, name := range []string{"common.yaml", fmt.Sprintf("%s.yaml", env)} {
		path := findConfigFile(env, name)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", path, err)
		}
		loaded = path
		log.Printf("[config] loaded %s", path)
	}
	return cfg, loaded, nil
}

// build 合并环境变量，生成最终配置
func build(env Environment, y *YAMLConfig) *Config {
	y.Database.Password = firstEnv("DB_PASSWORD", "POSTGRES_PASSWORD", "MONGO_ROOT_PASSWORD")
	y.Redis.Password = os.Getenv("REDIS_PASSWORD")
	y.MinIO.AccessKey = firstEnv("MINIO_ACCESS_KEY", "MINIO_ROOT_USER")
	y.MinIO.SecretKey = firstEnv("MINIO_SECRET_KEY", "MINIO_ROOT_PASSWORD")
	y.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	y.LLM.APIKey = os.Getenv("LLM_API_KEY")

	if v := os.Getenv("PORT"); v != "" {
		y.Server.Port = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		y.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		y.LLM.Model = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		y.Log.Level = v
	}
	if v := os.Getenv("EXECUTOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			y.Executor.Workers = n
		}
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		y.Etcd.Endpoints = strings.Split(v, ",")
	}
	if y.Executor.WorkerID == "" {
		host, _ := os.Hostname()
		y.Executor.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(y.Database.Driver, databaseURL)
	y.Database.Driver = driver
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(y.Database, y.Database.Password)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" && y.Redis.Enabled {
		redisURL = buildRedisURL(y.Redis)
	}

	return &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		DatabaseName:   y.Database.Name,
		RedisURL:       redisURL,
		Server:         y.Server,
		Etcd:           y.Etcd,
		MinIO:          y.MinIO,
		Executor:       y.Executor,
		Reaper:         y.Reaper,
		Auth:           y.Auth,
		LLM:            y.LLM,
		Log:            y.Log,
		Redis:          y.Redis,
	}
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port == "" {
		problems = append(problems, "server.port is required")
	}
	if c.Executor.Workers <= 0 {
		problems = append(problems, "executor.workers must be positive")
	}
	if c.Executor.Retry.MaxAttempts <= 0 {
		problems = append(problems, "executor.retry.max_attempts must be positive")
	}
	if c.Executor.StepTimeout <= 0 || c.Executor.RunTimeout <= 0 {
		problems = append(problems, "executor step_timeout and run_timeout must be positive")
	}
	if c.Executor.HeartbeatInterval <= 0 {
		problems = append(problems, "executor.heartbeat_interval must be positive")
	}
	if c.Reaper.Grace < 2*c.Executor.HeartbeatInterval {
		problems = append(problems, "reaper.grace must be at least twice executor.heartbeat_interval")
	}
	if c.MinIO.Enabled && (c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "") {
		problems = append(problems, "minio is enabled but MINIO_ACCESS_KEY / MINIO_SECRET_KEY are not set")
	}
	if c.Env == EnvProduction && c.Auth.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required in production")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	redis := c.RedisURL
	if redis == "" {
		redis = "<disabled>"
	}
	return fmt.Sprintf("Config{Env: %s, Driver: %s, DB: %s, Redis: %s, Etcd: %v, MinIO: %t, JWT: %s, LLM: %s/%s key=%s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), maskPassword(redis),
		c.Etcd.Endpoints, c.MinIO.Enabled, maskSecret(c.Auth.JWTSecret),
		c.LLM.BaseURL, c.LLM.Model, maskSecret(c.LLM.APIKey))
}
