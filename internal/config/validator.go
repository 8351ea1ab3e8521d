package config

import (
	"fmt"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateQueue(cfg.Queue); err != nil {
		errors = append(errors, err)
	}

	if err := validateCluster(cfg.Cluster); err != nil {
		errors = append(errors, err)
	}

	if err := validateScaling(cfg.Scaling); err != nil {
		errors = append(errors, err)
	}

	if err := validateArchive(cfg.Archive); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateQueue(cfg QueueConfig) error {
	if cfg.DefaultTTLSeconds <= 0 {
		return &ValidationError{
			Field:   "queue.default_ttl_seconds",
			Message: "default TTL must be positive",
		}
	}

	if cfg.DefaultRetryAttempts < 0 {
		return &ValidationError{
			Field:   "queue.default_retry_attempts",
			Message: "retry attempts cannot be negative",
		}
	}

	if cfg.DefaultBatchSize < 1 {
		return &ValidationError{
			Field:   "queue.default_batch_size",
			Message: "batch size must be at least 1",
		}
	}

	if cfg.PollInterval <= 0 {
		return &ValidationError{
			Field:   "queue.poll_interval",
			Message: "poll interval must be positive",
		}
	}

	return nil
}

func validateCluster(cfg ClusterConfig) error {
	switch cfg.LoadBalancer {
	case "round-robin", "least-connections", "weighted-random":
	default:
		return &ValidationError{
			Field:   "cluster.load_balancer",
			Message: fmt.Sprintf("unknown algorithm: %s (supported: round-robin, least-connections, weighted-random)", cfg.LoadBalancer),
		}
	}

	if cfg.HealthCheckInterval <= 0 {
		return &ValidationError{
			Field:   "cluster.health_check_interval",
			Message: "health check interval must be positive",
		}
	}

	if cfg.NodeCapacity < 1 {
		return &ValidationError{
			Field:   "cluster.node_capacity",
			Message: "node capacity must be at least 1",
		}
	}

	for i, node := range cfg.Nodes {
		if node.Address == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("cluster.nodes[%d].address", i),
				Message: "node address is required",
			}
		}
		switch node.Role {
		case "", "primary", "replica":
		default:
			return &ValidationError{
				Field:   fmt.Sprintf("cluster.nodes[%d].role", i),
				Message: fmt.Sprintf("unknown role: %s (supported: primary, replica)", node.Role),
			}
		}
	}

	return nil
}

func validateScaling(cfg ScalingConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.MinNodes < 1 {
		return &ValidationError{
			Field:   "scaling.min_nodes",
			Message: "min nodes must be at least 1",
		}
	}

	if cfg.MaxNodes < cfg.MinNodes {
		return &ValidationError{
			Field:   "scaling.max_nodes",
			Message: fmt.Sprintf("max nodes (%d) must be >= min nodes (%d)", cfg.MaxNodes, cfg.MinNodes),
		}
	}

	if cfg.ScaleUpThreshold <= cfg.ScaleDownThreshold {
		return &ValidationError{
			Field:   "scaling.scale_up_threshold",
			Message: "scale-up threshold must be above scale-down threshold",
		}
	}

	if cfg.Cooldown <= 0 {
		return &ValidationError{
			Field:   "scaling.cooldown",
			Message: "cooldown must be positive",
		}
	}

	return nil
}

func validateArchive(cfg ArchiveConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.URI == "" {
		return &ValidationError{
			Field:   "archive.uri",
			Message: "mongodb uri is required when the archive is enabled",
		}
	}

	return nil
}
