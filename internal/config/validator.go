package config

import (
	"fmt"
	"net/url"
	"strings"

	"kapestr/internal/constants"
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

	if err := validateRelay(cfg.Relay); err != nil {
		errors = append(errors, err)
	}

	if err := validatePipeline(cfg.Pipeline); err != nil {
		errors = append(errors, err)
	}

	if err := validateResolver(cfg.Resolver); err != nil {
		errors = append(errors, err)
	}

	if err := validateDeduplication(cfg.Deduplication, cfg.Database.Redis); err != nil {
		errors = append(errors, err)
	}

	if err := validateFiltering(cfg.Filtering); err != nil {
		errors = append(errors, err)
	}

	if err := validateSink(cfg.Sink); err != nil {
		errors = append(errors, err)
	}

	if cfg.Database.Redis.Host != "" {
		if err := validateRedis(cfg.Database.Redis); err != nil {
			errors = append(errors, err)
		}
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

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateRelay(cfg RelayConfig) error {
	if len(cfg.URLs) == 0 {
		return &ValidationError{
			Field:   "relay.urls",
			Message: "at least one relay URL is required",
		}
	}

	for i, raw := range cfg.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("relay.urls[%d]", i),
				Message: fmt.Sprintf("relay URL must be ws:// or wss://, got %q", raw),
			}
		}
	}

	if cfg.StreamBuffer < 1 {
		return &ValidationError{
			Field:   "relay.stream_buffer",
			Message: "stream buffer must be positive",
		}
	}

	if err := validateBackoff("relay.reconnect", cfg.Reconnect); err != nil {
		return err
	}

	return nil
}

func validatePipeline(cfg PipelineConfig) error {
	if cfg.InitialLimit < 0 {
		return &ValidationError{
			Field:   "pipeline.initial_limit",
			Message: "initial limit must be non-negative",
		}
	}

	if cfg.OutboundCapacity < 1 {
		return &ValidationError{
			Field:   "pipeline.outbound_capacity",
			Message: "outbound capacity must be positive",
		}
	}

	if cfg.MaxReceiveErrors < 0 {
		return &ValidationError{
			Field:   "pipeline.max_receive_errors",
			Message: "max_receive_errors must be non-negative (0 means unlimited)",
		}
	}

	return validateBackoff("pipeline.receive_backoff", cfg.ReceiveBackoff)
}

func validateBackoff(field string, cfg BackoffConfig) error {
	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   field + ".initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   field + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier < 1 {
		return &ValidationError{
			Field:   field + ".multiplier",
			Message: "multiplier must be at least 1",
		}
	}

	return nil
}

func validateResolver(cfg ResolverConfig) error {
	if cfg.Timeout < 0 {
		return &ValidationError{
			Field:   "resolver.timeout",
			Message: "timeout must be non-negative (0 disables the deadline)",
		}
	}

	if cfg.Workers < 1 {
		return &ValidationError{
			Field:   "resolver.workers",
			Message: "at least one resolver worker is required",
		}
	}

	if cfg.MaxPending < 1 {
		return &ValidationError{
			Field:   "resolver.max_pending",
			Message: "max_pending must be positive",
		}
	}

	switch strings.ToLower(cfg.Fallback) {
	case constants.FallbackRawIdentifier, constants.FallbackDrop:
	default:
		return &ValidationError{
			Field:   "resolver.fallback",
			Message: fmt.Sprintf("invalid fallback: %s (valid: raw_identifier, drop)", cfg.Fallback),
		}
	}

	if cfg.RateLimitRPS < 0 || cfg.RateLimitBurst < 0 {
		return &ValidationError{
			Field:   "resolver.rate_limit_rps",
			Message: "rate limit values must be non-negative",
		}
	}

	return nil
}

func validateDeduplication(cfg DeduplicationConfig, redis RedisConfig) error {
	if !cfg.Enabled {
		return nil
	}

	switch strings.ToLower(cfg.Backend) {
	case constants.DedupBackendMemory:
		if cfg.MaxEntries < 1 {
			return &ValidationError{
				Field:   "deduplication.max_entries",
				Message: "max_entries must be positive",
			}
		}
	case constants.DedupBackendRedis:
		if redis.Host == "" {
			return &ValidationError{
				Field:   "database.redis.host",
				Message: "Redis host is required for the redis deduplication backend",
			}
		}
	default:
		return &ValidationError{
			Field:   "deduplication.backend",
			Message: fmt.Sprintf("unknown backend: %s (supported: memory, redis)", cfg.Backend),
		}
	}

	if cfg.TTLSeconds < 0 {
		return &ValidationError{
			Field:   "deduplication.ttl_seconds",
			Message: "TTL must be non-negative",
		}
	}

	validOnError := map[string]bool{
		constants.FallbackAllow: true, "reject": true,
	}
	if !validOnError[strings.ToLower(cfg.OnStoreError)] {
		return &ValidationError{
			Field:   "deduplication.on_store_error",
			Message: fmt.Sprintf("invalid on_store_error value: %s (valid: allow, reject)", cfg.OnStoreError),
		}
	}

	return nil
}

func validateFiltering(cfg FilteringConfig) error {
	for i, expr := range cfg.Expressions {
		if strings.TrimSpace(expr) == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("filtering.expressions[%d]", i),
				Message: "expression cannot be empty",
			}
		}
	}

	switch strings.ToLower(cfg.Fallback.OnError) {
	case constants.FallbackAllow, constants.FallbackDeny:
		return nil
	default:
		return &ValidationError{
			Field:   "filtering.fallback.on_error",
			Message: fmt.Sprintf("invalid on_error value: %s (valid: allow, deny)", cfg.Fallback.OnError),
		}
	}
}

func validateSink(cfg SinkConfig) error {
	switch cfg.Type {
	case constants.SinkTypeLog:
		return nil
	case constants.SinkTypeKafka:
		return validateKafka(cfg.Kafka)
	default:
		return &ValidationError{
			Field:   "sink.type",
			Message: fmt.Sprintf("unknown sink type: %s (supported: log, kafka)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaSinkConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "sink.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("sink.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.Topic == "" {
		return &ValidationError{
			Field:   "sink.kafka.topic",
			Message: "Kafka topic is required",
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "sink.kafka.retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.Retry.Multiplier <= 0 {
		return &ValidationError{
			Field:   "sink.kafka.retry.multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.DB < 0 {
		return &ValidationError{
			Field:   "database.redis.db",
			Message: "db must be non-negative",
		}
	}

	return nil
}
