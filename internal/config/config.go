package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Queue          QueueConfig          `mapstructure:"queue"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Cluster        ClusterConfig        `mapstructure:"cluster"`
	Scaling        ScalingConfig        `mapstructure:"scaling"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Archive        ArchiveConfig        `mapstructure:"archive"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

// RedisConfig describes the default (seed) backing store connection.
// Cluster nodes carry their own addresses; this one doubles as the primary
// node when the cluster section lists no seeds.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return joinHostPort(c.Host, c.Port)
}

type QueueConfig struct {
	DefaultTTLSeconds    int           `mapstructure:"default_ttl_seconds"`
	DefaultRetryAttempts int           `mapstructure:"default_retry_attempts"`
	DefaultBatchSize     int           `mapstructure:"default_batch_size"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	StoreTimeout         time.Duration `mapstructure:"store_timeout"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type ClusterConfig struct {
	Nodes               []NodeConfig  `mapstructure:"nodes"`
	StandbyNodes        []NodeConfig  `mapstructure:"standby_nodes"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	PingTimeout         time.Duration `mapstructure:"ping_timeout"`
	NodeCapacity        int           `mapstructure:"node_capacity"`
	LoadBalancer        string        `mapstructure:"load_balancer"`
}

type NodeConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Role     string `mapstructure:"role"`
	Weight   int    `mapstructure:"weight"`
}

type ScalingConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MinNodes           int           `mapstructure:"min_nodes"`
	MaxNodes           int           `mapstructure:"max_nodes"`
	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	Interval           time.Duration `mapstructure:"interval"`
}

type CircuitBreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
}

// ArchiveConfig enables the optional MongoDB dead-letter archive.
type ArchiveConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
