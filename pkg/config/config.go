// Package config handles configuration loading from YAML files
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Remote   RemoteConfig   `yaml:"remote"`
	Pool     PoolConfig     `yaml:"pool"`
	Cache    CacheConfig    `yaml:"cache"`
	Executor ExecutorConfig `yaml:"executor"`
	Artifact ArtifactConfig `yaml:"artifact"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error, fatal, panic)
	Level string `yaml:"level" json:"level"`
	// Format is the log format (json or console)
	Format string `yaml:"format" json:"format"`
	// Output is the output destination (stdout, file, or both)
	Output string `yaml:"output" json:"output"`
	// FilePath is the log file path (required when output is file or both)
	FilePath string `yaml:"file_path" json:"file_path"`
	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int `yaml:"max_size" json:"max_size"`
	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int `yaml:"max_backups" json:"max_backups"`
	// MaxAge is the maximum number of days to retain old log files
	MaxAge int `yaml:"max_age" json:"max_age"`
	// Compress determines if rotated files should be compressed
	Compress bool `yaml:"compress" json:"compress"`
}

// RemoteConfig 远端 LLM API 配置
type RemoteConfig struct {
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key"`
	APIVersion       string `yaml:"api_version"`
	Model            string `yaml:"model"`
	MaxTokens        int    `yaml:"max_tokens"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
}

// PoolConfig 连接池配置
type PoolConfig struct {
	Min                int  `yaml:"min"`
	Max                int  `yaml:"max"`
	AcquireTimeoutMs   int  `yaml:"acquire_timeout_ms"`
	IdleTimeoutMs      int  `yaml:"idle_timeout_ms"`
	EvictionIntervalMs int  `yaml:"eviction_interval_ms"`
	DrainTimeoutMs     int  `yaml:"drain_timeout_ms"`
	TestOnBorrow       bool `yaml:"test_on_borrow"`
}

// CacheConfig 结果缓存配置
type CacheConfig struct {
	Enabled         bool `yaml:"enabled"`
	MaxSize         int  `yaml:"max_size"`
	TTLSeconds      int  `yaml:"ttl_seconds"`
	SweepIntervalMs int  `yaml:"sweep_interval_ms"`
}

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	MaxConcurrency      int     `yaml:"max_concurrency"`
	HistorySize         int     `yaml:"history_size"`
	TaskTimeoutMs       int     `yaml:"task_timeout_ms"`
	SlowTaskThresholdMs int     `yaml:"slow_task_threshold_ms"`
	RateLimit           float64 `yaml:"rate_limit"`
	RateBurst           int     `yaml:"rate_burst"`
}

// ArtifactConfig 任务产物持久化配置
type ArtifactConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Store           string `yaml:"store"` // file, redis, sql
	Dir             string `yaml:"dir"`
	MaxBatch        int    `yaml:"max_batch"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	RedisPrefix     string `yaml:"redis_prefix"`
	RedisTTLHours   int    `yaml:"redis_ttl_hours"`
	RedisIndexSize  int    `yaml:"redis_index_size"`
}

// RedisConfig holds redis configuration
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql, sqlite
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Charset  string `yaml:"charset"`
	PoolSize int    `yaml:"pool_size"`
}

// MonitorConfig 监控上报配置
type MonitorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ReportCron      string `yaml:"report_cron"`
	ArchivePrefix   string `yaml:"archive_prefix"`
	ArchiveTTLHours int    `yaml:"archive_ttl_hours"`
}

// AuthConfig 管理接口认证配置
type AuthConfig struct {
	SecretKey string `yaml:"secret_key"`
}

// RawConfig represents the raw YAML structure with environments
type RawConfig struct {
	Default     map[string]interface{} `yaml:"default"`
	Development map[string]interface{} `yaml:"development"`
	Production  map[string]interface{} `yaml:"production"`
}

// Load loads configuration from a config.yaml file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 内容，按运行环境合并 default 与环境段
func Parse(data []byte) (*Config, error) {
	var raw RawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// FLOW_ENV 优先，其次 GIN_MODE
	env := os.Getenv("FLOW_ENV")
	if env == "" {
		env = os.Getenv("GIN_MODE")
	}

	var envConfig map[string]interface{}
	if env == "release" || env == "production" {
		envConfig = raw.Production
	} else {
		envConfig = raw.Development
	}

	merged := mergeConfig(raw.Default, envConfig)

	cfg := &Config{
		Server: ServerConfig{
			Host:  getString(merged, "server.host", "127.0.0.1"),
			Port:  getIntEnv("FLOW_SERVER_PORT", getInt(merged, "server.port", 8090)),
			Debug: getBool(merged, "server.debug", false),
		},
		Log: LogConfig{
			Level:      getEnv("FLOW_LOG_LEVEL", getString(merged, "log.level", "info")),
			Format:     getString(merged, "log.format", "json"),
			Output:     getString(merged, "log.output", "stdout"),
			FilePath:   getString(merged, "log.file_path", "logs/flowexec.log"),
			MaxSize:    getInt(merged, "log.max_size", 100),
			MaxBackups: getInt(merged, "log.max_backups", 5),
			MaxAge:     getInt(merged, "log.max_age", 30),
			Compress:   getBool(merged, "log.compress", true),
		},
		Remote: RemoteConfig{
			BaseURL:          getEnv("FLOW_API_BASE_URL", getString(merged, "remote.base_url", "https://api.anthropic.com")),
			APIKey:           getEnv("FLOW_API_KEY", getString(merged, "remote.api_key", "")),
			APIVersion:       getString(merged, "remote.api_version", "2023-06-01"),
			Model:            getEnv("FLOW_MODEL", getString(merged, "remote.model", "claude-sonnet-4-20250514")),
			MaxTokens:        getInt(merged, "remote.max_tokens", 4096),
			RequestTimeoutMs: getInt(merged, "remote.request_timeout_ms", 120000),
		},
		Pool: PoolConfig{
			Min:                getInt(merged, "pool.min", 2),
			Max:                getInt(merged, "pool.max", 10),
			AcquireTimeoutMs:   getInt(merged, "pool.acquire_timeout_ms", 30000),
			IdleTimeoutMs:      getInt(merged, "pool.idle_timeout_ms", 300000),
			EvictionIntervalMs: getInt(merged, "pool.eviction_interval_ms", 60000),
			DrainTimeoutMs:     getInt(merged, "pool.drain_timeout_ms", 30000),
			TestOnBorrow:       getBool(merged, "pool.test_on_borrow", true),
		},
		Cache: CacheConfig{
			Enabled:         getBool(merged, "cache.enabled", true),
			MaxSize:         getInt(merged, "cache.max_size", 1000),
			TTLSeconds:      getInt(merged, "cache.ttl_seconds", 3600),
			SweepIntervalMs: getInt(merged, "cache.sweep_interval_ms", 60000),
		},
		Executor: ExecutorConfig{
			MaxConcurrency:      getInt(merged, "executor.max_concurrency", 10),
			HistorySize:         getInt(merged, "executor.history_size", 1000),
			TaskTimeoutMs:       getInt(merged, "executor.task_timeout_ms", 300000),
			SlowTaskThresholdMs: getInt(merged, "executor.slow_task_threshold_ms", 30000),
			RateLimit:           getFloat(merged, "executor.rate_limit", 0),
			RateBurst:           getInt(merged, "executor.rate_burst", 1),
		},
		Artifact: ArtifactConfig{
			Enabled:         getBool(merged, "artifact.enabled", false),
			Store:           getString(merged, "artifact.store", "file"),
			Dir:             getString(merged, "artifact.dir", "./artifacts"),
			MaxBatch:        getInt(merged, "artifact.max_batch", 50),
			FlushIntervalMs: getInt(merged, "artifact.flush_interval_ms", 1000),
			RedisPrefix:     getString(merged, "artifact.redis_prefix", "flow:artifact"),
			RedisTTLHours:   getInt(merged, "artifact.redis_ttl_hours", 168),
			RedisIndexSize:  getInt(merged, "artifact.redis_index_size", 10000),
		},
		Redis: RedisConfig{
			Enabled:  getBool(merged, "redis.enabled", false),
			Host:     getEnv("REDIS_HOST", getString(merged, "redis.host", "localhost")),
			Port:     getIntEnv("REDIS_PORT", getInt(merged, "redis.port", 6379)),
			Password: getEnv("REDIS_PASSWORD", getString(merged, "redis.password", "")),
			DB:       getInt(merged, "redis.db", 0),
		},
		Database: DatabaseConfig{
			Driver:   getString(merged, "database.driver", "sqlite"),
			DSN:      getEnv("DB_DSN", getString(merged, "database.dsn", "")),
			Host:     getEnv("DB_HOST", getString(merged, "database.host", "localhost")),
			Port:     getIntEnv("DB_PORT", getInt(merged, "database.port", 3306)),
			User:     getEnv("DB_USER", getString(merged, "database.user", "root")),
			Password: getEnv("DB_PASSWORD", getString(merged, "database.password", "")),
			Database: getEnv("DB_NAME", getString(merged, "database.database", "flow_agent")),
			Charset:  getString(merged, "database.charset", "utf8mb4"),
			PoolSize: getInt(merged, "database.pool_size", 10),
		},
		Monitor: MonitorConfig{
			Enabled:         getBool(merged, "monitor.enabled", true),
			ReportCron:      getString(merged, "monitor.report_cron", "@every 1m"),
			ArchivePrefix:   getString(merged, "monitor.archive_prefix", "flow:stats"),
			ArchiveTTLHours: getInt(merged, "monitor.archive_ttl_hours", 72),
		},
		Auth: AuthConfig{
			SecretKey: getEnv("FLOW_AUTH_SECRET", getString(merged, "auth.secret_key", "")),
		},
	}

	return cfg, nil
}

// Ms 毫秒整数转 time.Duration
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ResolvePath 相对路径基于项目根目录解析
func ResolvePath(projectRoot, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectRoot, path)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getIntEnv returns environment variable as int or default
func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// Helper functions for nested map access
func mergeConfig(base, overlay map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for k, v := range base {
		result[k] = v
	}
	for k, v := range overlay {
		if baseMap, ok := result[k].(map[string]interface{}); ok {
			if overlayMap, ok := v.(map[string]interface{}); ok {
				result[k] = mergeConfig(baseMap, overlayMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func getNestedValue(m map[string]interface{}, path string) interface{} {
	keys := splitPath(path)
	if len(keys) == 0 {
		return nil
	}
	current := m
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]interface{})
		if !ok {
			return nil
		}
		current = next
	}
	return current[keys[len(keys)-1]]
}

func splitPath(path string) []string {
	parts := strings.Split(path, ".")
	result := parts[:0]
	for _, p := range parts {
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func getString(m map[string]interface{}, path, defaultVal string) string {
	if v := getNestedValue(m, path); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

func getInt(m map[string]interface{}, path string, defaultVal int) int {
	if v := getNestedValue(m, path); v != nil {
		switch val := v.(type) {
		case int:
			return val
		case float64:
			return int(val)
		}
	}
	return defaultVal
}

func getFloat(m map[string]interface{}, path string, defaultVal float64) float64 {
	if v := getNestedValue(m, path); v != nil {
		switch val := v.(type) {
		case float64:
			return val
		case int:
			return float64(val)
		}
	}
	return defaultVal
}

func getBool(m map[string]interface{}, path string, defaultVal bool) bool {
	if v := getNestedValue(m, path); v != nil {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
