// Package config provides configuration loading for the anchor service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	IPFS      IPFSConfig      `mapstructure:"ipfs"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Anchor    AnchorConfig    `mapstructure:"anchor"`
	CARStore  CARStoreConfig  `mapstructure:"car_store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration for intake rate limiting.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IPFSConfig holds IPFS node access configuration.
type IPFSConfig struct {
	APIURL             string        `mapstructure:"api_url"`
	PubsubTopic        string        `mapstructure:"pubsub_topic"`
	PutTimeout         time.Duration `mapstructure:"put_timeout"`
	GetTimeout         time.Duration `mapstructure:"get_timeout"`
	GetRetries         int           `mapstructure:"get_retries"`
	CacheSize          int           `mapstructure:"cache_size"`
	ConcurrentGetLimit int           `mapstructure:"concurrent_get_limit"`
	ResponderWindow    time.Duration `mapstructure:"responder_window"`
}

// EthereumConfig holds blockchain submission configuration.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	PrivateKey      string        `mapstructure:"private_key"` // hex, no 0x prefix
	ContractAddress string        `mapstructure:"contract_address"`
	ChainID         int64         `mapstructure:"chain_id"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	ReceiptTimeout  time.Duration `mapstructure:"receipt_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
}

// AnchorConfig holds batching and lifecycle tunables.
type AnchorConfig struct {
	StreamLimit        int           `mapstructure:"stream_limit"`
	MinStreamCount     int           `mapstructure:"min_stream_count"`
	MerkleDepthLimit   int           `mapstructure:"merkle_depth_limit"`
	MaxAnchoringDelay  time.Duration `mapstructure:"max_anchoring_delay"`
	ProcessingTimeout  time.Duration `mapstructure:"processing_timeout"`
	FailureRetryWindow time.Duration `mapstructure:"failure_retry_window"`
	GCWindow           time.Duration `mapstructure:"gc_window"`
	MutexAttempts      int           `mapstructure:"mutex_attempts"`
	MutexRetryDelay    time.Duration `mapstructure:"mutex_retry_delay"`
}

// CARStoreConfig holds Merkle CAR storage configuration.
type CARStoreConfig struct {
	Backend      string `mapstructure:"backend"` // memory, s3
	Bucket       string `mapstructure:"bucket"`
	BucketPrefix string `mapstructure:"bucket_prefix"`
	Region       string `mapstructure:"region"`
	CacheSize    int    `mapstructure:"cache_size"`
}

// QueueConfig holds anchor event delivery configuration.
type QueueConfig struct {
	Backend    string        `mapstructure:"backend"` // sqs, webhook, none
	QueueURL   string        `mapstructure:"queue_url"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Region     string        `mapstructure:"region"`
	WaitTime   time.Duration `mapstructure:"wait_time"`
}

// SchedulerConfig holds the periodic task runner configuration.
type SchedulerConfig struct {
	ReadyInterval  time.Duration `mapstructure:"ready_interval"`
	AnchorInterval time.Duration `mapstructure:"anchor_interval"`
	GCInterval     time.Duration `mapstructure:"gc_interval"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/cas")

	v.SetEnvPrefix("CAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Nested secrets don't bind through AutomaticEnv alone
	v.BindEnv("database.password", "CAS_DATABASE_PASSWORD")
	v.BindEnv("ethereum.private_key", "CAS_ETHEREUM_PRIVATE_KEY")
	v.BindEnv("ethereum.rpc_url", "CAS_ETHEREUM_RPC_URL")
	v.BindEnv("queue.queue_url", "CAS_QUEUE_QUEUE_URL")

	// Config file is optional, defaults and env vars suffice
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "cas")
	v.SetDefault("database.password", "cas")
	v.SetDefault("database.database", "anchor_db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("ipfs.api_url", "http://localhost:5001")
	v.SetDefault("ipfs.pubsub_topic", "/ceramic/mainnet")
	v.SetDefault("ipfs.put_timeout", "30s")
	v.SetDefault("ipfs.get_timeout", "10s")
	v.SetDefault("ipfs.get_retries", 3)
	v.SetDefault("ipfs.cache_size", 2048)
	v.SetDefault("ipfs.concurrent_get_limit", 100)
	v.SetDefault("ipfs.responder_window", "24h")

	v.SetDefault("ethereum.chain_id", 1)
	v.SetDefault("ethereum.call_timeout", "60s")
	v.SetDefault("ethereum.receipt_timeout", "10m")
	v.SetDefault("ethereum.max_attempts", 3)
	v.SetDefault("ethereum.gas_limit", 100000)

	v.SetDefault("anchor.stream_limit", 1024)
	v.SetDefault("anchor.min_stream_count", 1024)
	v.SetDefault("anchor.merkle_depth_limit", 15)
	v.SetDefault("anchor.max_anchoring_delay", "12h")
	v.SetDefault("anchor.processing_timeout", "3h")
	v.SetDefault("anchor.failure_retry_window", "6h")
	v.SetDefault("anchor.gc_window", "720h") // 30 days
	v.SetDefault("anchor.mutex_attempts", 5)
	v.SetDefault("anchor.mutex_retry_delay", "5s")

	v.SetDefault("car_store.backend", "memory")
	v.SetDefault("car_store.bucket_prefix", "merkle-car")
	v.SetDefault("car_store.cache_size", 100)

	v.SetDefault("queue.backend", "none")
	v.SetDefault("queue.wait_time", "20s")

	v.SetDefault("scheduler.ready_interval", "1m")
	v.SetDefault("scheduler.anchor_interval", "5m")
	v.SetDefault("scheduler.gc_interval", "24h")
}
