// Package redis Redis 客户端封装
package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orderfeed/ingest/pkg/config"
)

// Config Redis 配置
type Config struct {
	Addr         string        `json:"addr" yaml:"addr"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	PoolSize     int           `json:"poolSize" yaml:"poolSize"`
	MinIdleConns int           `json:"minIdleConns" yaml:"minIdleConns"`
	DialTimeout  time.Duration `json:"dialTimeout" yaml:"dialTimeout"`
	ReadTimeout  time.Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout" yaml:"writeTimeout"`
	TLSConfig    *tls.Config   `json:"-" yaml:"-"`
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	Addr:         "localhost:6379",
	PoolSize:     100,
	MinIdleConns: 10,
	DialTimeout:  5 * time.Second,
	ReadTimeout:  3 * time.Second,
	WriteTimeout: 3 * time.Second,
}

const (
	envRedisTLS        = "REDIS_TLS"
	envRedisCACert     = "REDIS_CACERT"
	envRedisCert       = "REDIS_CERT"
	envRedisKey        = "REDIS_KEY"
	envRedisServerName = "REDIS_SERVER_NAME"
)

// LoadConfigFromEnv 从环境变量构建配置（含可选 TLS）
func LoadConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig
	cfg.Addr = config.GetEnv("REDIS_ADDR", cfg.Addr)
	cfg.Password = config.GetEnv("REDIS_PASSWORD", "")
	cfg.DB = config.GetEnvInt("REDIS_DB", 0)

	tlsCfg, err := TLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.TLSConfig = tlsCfg
	return &cfg, nil
}

// TLSConfigFromEnv builds a Redis TLS config from environment variables.
//
// Supported envs:
// - REDIS_TLS=true/false
// - REDIS_CACERT=/path/to/ca.pem
// - REDIS_CERT=/path/to/client-cert.pem
// - REDIS_KEY=/path/to/client-key.pem
// - REDIS_SERVER_NAME=redis.example.com
func TLSConfigFromEnv() (*tls.Config, error) {
	enabled, err := envBool(envRedisTLS, false)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envRedisTLS, err)
	}
	if !enabled {
		return nil, nil
	}

	caCertPath := strings.TrimSpace(os.Getenv(envRedisCACert))
	certPath := strings.TrimSpace(os.Getenv(envRedisCert))
	keyPath := strings.TrimSpace(os.Getenv(envRedisKey))
	serverName := strings.TrimSpace(os.Getenv(envRedisServerName))

	if (certPath == "") != (keyPath == "") {
		return nil, fmt.Errorf("%s and %s must be set together", envRedisCert, envRedisKey)
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if caCertPath != "" {
		caBytes, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", envRedisCACert, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, fmt.Errorf("append %s: no valid certificates found", envRedisCACert)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load %s/%s: %w", envRedisCert, envRedisKey, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// envBool 与 config.GetEnvBool 不同：非法取值返回错误而不是默认值，
// TLS 开关配置错误必须显式失败。
func envBool(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, err
	}
	return v, nil
}

// Client Redis 客户端封装
type Client struct {
	*redis.Client
}

// NewClient 创建客户端并验证连通性
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &DefaultConfig
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    cfg.TLSConfig,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Client{Client: client}, nil
}

// RateLimiter 限流器（滑动窗口）
type RateLimiter struct {
	client *Client
	prefix string
}

// NewRateLimiter 创建限流器
func NewRateLimiter(client *Client, prefix string) *RateLimiter {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RateLimiter{
		client: client,
		prefix: prefix,
	}
}

// Allow 检查是否允许请求
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	now := time.Now().UnixMilli()
	windowStart := now - window.Milliseconds()
	fullKey := r.prefix + key

	// 使用 Lua 脚本保证原子性
	script := `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])
		local window_ms = tonumber(ARGV[4])

		-- 移除过期的请求
		redis.call("zremrangebyscore", key, "-inf", window_start)

		-- 获取当前请求数
		local count = redis.call("zcard", key)

		if count < limit then
			-- 添加当前请求
			redis.call("zadd", key, now, now .. "-" .. math.random())
			redis.call("pexpire", key, window_ms)
			return {1, limit - count - 1}
		else
			return {0, 0}
		end
	`

	result, err := r.client.Eval(ctx, script, []string{fullKey}, now, windowStart, limit, window.Milliseconds()).Slice()
	if err != nil {
		return false, 0, err
	}

	allowed := result[0].(int64) == 1
	remaining := result[1].(int64)
	return allowed, remaining, nil
}
