package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("queue.default_ttl_seconds", 3600)
	viper.SetDefault("queue.default_retry_attempts", 3)
	viper.SetDefault("queue.default_batch_size", 10)
	viper.SetDefault("queue.poll_interval", "100ms")
	viper.SetDefault("queue.store_timeout", "5s")
	viper.SetDefault("retry.initial_interval", "1s")
	viper.SetDefault("retry.max_interval", "30s")
	viper.SetDefault("retry.multiplier", 2.0)
	viper.SetDefault("cluster.health_check_interval", "30s")
	viper.SetDefault("cluster.ping_timeout", "2s")
	viper.SetDefault("cluster.node_capacity", 100)
	viper.SetDefault("cluster.load_balancer", "round-robin")
	viper.SetDefault("scaling.min_nodes", 1)
	viper.SetDefault("scaling.max_nodes", 5)
	viper.SetDefault("scaling.scale_up_threshold", 0.8)
	viper.SetDefault("scaling.scale_down_threshold", 0.3)
	viper.SetDefault("scaling.cooldown", "5m")
	viper.SetDefault("scaling.interval", "60s")
	viper.SetDefault("circuit_breaker.failure_threshold", 5)
	viper.SetDefault("circuit_breaker.timeout", "30s")
	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("logging.level", "info")
}

func bindEnvVariables() {
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("cluster.load_balancer", "CLUSTER_LOAD_BALANCER")

	viper.BindEnv("archive.uri", "ARCHIVE_MONGODB_URI")
	viper.BindEnv("archive.database", "ARCHIVE_MONGODB_DATABASE")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if nodesEnv := viper.GetString("CLUSTER_NODES"); nodesEnv != "" {
		addrs := strings.Split(nodesEnv, ",")
		nodes := make([]NodeConfig, 0, len(addrs))
		for i, addr := range addrs {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			role := "replica"
			if i == 0 {
				role = "primary"
			}
			nodes = append(nodes, NodeConfig{Address: addr, Role: role, Weight: 1})
		}
		if len(nodes) > 0 {
			cfg.Cluster.Nodes = nodes
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
