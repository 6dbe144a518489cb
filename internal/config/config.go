// Package config 配置
package config

import (
	"fmt"
	"path/filepath"
	"time"

	envconfig "github.com/orderfeed/ingest/pkg/config"
)

// 存储后端
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config 服务配置
type Config struct {
	ServiceName string
	Env         string
	Port        int

	// 存储
	StoreBackend          string
	DataDir               string
	DatabaseURL           string
	OrdersFlushInterval   time.Duration
	SequenceFlushInterval time.Duration

	// Redis Streams 桥接
	StreamBridgeEnabled   bool
	StreamConsumerEnabled bool
	ValidOrderStream      string
	ErrorOrderStream      string
	StreamGroup           string
	StreamConsumer        string

	// 摄取策略
	RejectDuplicates    bool
	ErrorRetentionHours int

	// HTTP
	EnableAPIAuth      bool
	CORSOrigin         string
	RateLimitPerSecond int // 每秒请求数，0 关闭

	// API Keys（*_HASH 为 bcrypt 哈希，优先于明文）
	PartnerAKey     string
	PartnerAKeyHash string
	PartnerBKey     string
	PartnerBKeyHash string
	MasterKey       string
	MasterKeyHash   string

	// WebSocket
	WSEnabled        bool
	WSAllowedOrigins []string
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "orderfeed-ingest"),
		Env:         envconfig.GetEnv("APP_ENV", "development"),
		Port:        envconfig.GetEnvInt("PORT", 8090),

		StoreBackend:          envconfig.GetEnv("STORE_BACKEND", BackendMemory),
		DataDir:               envconfig.GetEnv("DATA_DIR", "./data"),
		DatabaseURL:           envconfig.GetEnv("DATABASE_URL", ""),
		OrdersFlushInterval:   time.Duration(envconfig.GetEnvInt("ORDERS_FLUSH_INTERVAL_MS", 500)) * time.Millisecond,
		SequenceFlushInterval: time.Duration(envconfig.GetEnvInt("SEQUENCE_FLUSH_INTERVAL_MS", 100)) * time.Millisecond,

		StreamBridgeEnabled:   envconfig.GetEnvBool("STREAM_BRIDGE_ENABLED", false),
		StreamConsumerEnabled: envconfig.GetEnvBool("STREAM_CONSUMER_ENABLED", false),
		ValidOrderStream:      envconfig.GetEnv("VALID_ORDER_STREAM", "feed:valid-orders"),
		ErrorOrderStream:      envconfig.GetEnv("ERROR_ORDER_STREAM", "feed:error-orders"),
		StreamGroup:           envconfig.GetEnv("STREAM_CONSUMER_GROUP", "feed-persist"),
		StreamConsumer:        envconfig.GetEnv("STREAM_CONSUMER_NAME", "feed-persist-1"),

		RejectDuplicates:    envconfig.GetEnvBool("REJECT_DUPLICATE_ORDERS", false),
		ErrorRetentionHours: envconfig.GetEnvInt("ERROR_RETENTION_HOURS", 0),

		EnableAPIAuth:      envconfig.GetEnvBool("ENABLE_API_AUTH", false),
		CORSOrigin:         envconfig.GetEnv("CORS_ORIGIN", "*"),
		RateLimitPerSecond: envconfig.GetEnvInt("RATE_LIMIT_PER_SECOND", 0),

		PartnerAKey:     envconfig.GetEnv("PARTNER_A_API_KEY", ""),
		PartnerAKeyHash: envconfig.GetEnv("PARTNER_A_API_KEY_HASH", ""),
		PartnerBKey:     envconfig.GetEnv("PARTNER_B_API_KEY", ""),
		PartnerBKeyHash: envconfig.GetEnv("PARTNER_B_API_KEY_HASH", ""),
		MasterKey:       envconfig.GetEnv("MASTER_API_KEY", ""),
		MasterKeyHash:   envconfig.GetEnv("MASTER_API_KEY_HASH", ""),

		WSEnabled:        envconfig.GetEnvBool("WS_ENABLED", true),
		WSAllowedOrigins: envconfig.GetEnvSlice("WS_ALLOWED_ORIGINS", []string{"*"}),
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", c.Port)
	}
	switch c.StoreBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND must be %s or %s, got %q", BackendMemory, BackendPostgres, c.StoreBackend)
	}
	if c.StoreBackend == BackendPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
	}
	if c.ErrorRetentionHours < 0 {
		return fmt.Errorf("ERROR_RETENTION_HOURS must not be negative, got %d", c.ErrorRetentionHours)
	}
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND must not be negative, got %d", c.RateLimitPerSecond)
	}
	if c.EnableAPIAuth && !c.hasAnyAPIKey() {
		return fmt.Errorf("ENABLE_API_AUTH=true requires at least one partner or master API key")
	}
	return nil
}

// IsTest 测试环境：纯内存存储、不落盘
func (c *Config) IsTest() bool {
	return c.Env == "test"
}

// OrdersSnapshotPath 订单快照文件路径，测试环境返回空串（不落盘）
func (c *Config) OrdersSnapshotPath() string {
	if c.IsTest() {
		return ""
	}
	return filepath.Join(c.DataDir, "orders.json")
}

// ErrorsSnapshotPath 错误记录快照文件路径
func (c *Config) ErrorsSnapshotPath() string {
	if c.IsTest() {
		return ""
	}
	return filepath.Join(c.DataDir, "errors.json")
}

// SequencePath 序列号快照文件路径
func (c *Config) SequencePath() string {
	if c.IsTest() {
		return ""
	}
	return filepath.Join(c.DataDir, "sequences.json")
}

func (c *Config) hasAnyAPIKey() bool {
	return c.PartnerAKey != "" || c.PartnerAKeyHash != "" ||
		c.PartnerBKey != "" || c.PartnerBKeyHash != "" ||
		c.MasterKey != "" || c.MasterKeyHash != ""
}
