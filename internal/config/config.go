package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Relay          RelayConfig          `mapstructure:"relay"`
	Pipeline       PipelineConfig       `mapstructure:"pipeline"`
	Resolver       ResolverConfig       `mapstructure:"resolver"`
	Deduplication  DeduplicationConfig  `mapstructure:"deduplication"`
	Filtering      FilteringConfig      `mapstructure:"filtering"`
	Sink           SinkConfig           `mapstructure:"sink"`
	Database       DatabaseConfig       `mapstructure:"database"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	Status         StatusConfig         `mapstructure:"status"`
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type RelayConfig struct {
	URLs             []string      `mapstructure:"urls"`
	StreamBuffer     int           `mapstructure:"stream_buffer"`
	VerifySignatures bool          `mapstructure:"verify_signatures"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	Reconnect        BackoffConfig `mapstructure:"reconnect"`
}

type BackoffConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type PipelineConfig struct {
	InitialLimit     int           `mapstructure:"initial_limit"`
	OutboundCapacity int           `mapstructure:"outbound_capacity"`
	MaxReceiveErrors int           `mapstructure:"max_receive_errors"`
	ReceiveBackoff   BackoffConfig `mapstructure:"receive_backoff"`
}

type ResolverConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	UnsubscribeTimeout time.Duration `mapstructure:"unsubscribe_timeout"`
	Workers            int           `mapstructure:"workers"`
	MaxPending         int           `mapstructure:"max_pending"`
	Fallback           string        `mapstructure:"fallback"` // "raw_identifier" (default) or "drop"
	RateLimitRPS       float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
}

type DeduplicationConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Backend      string `mapstructure:"backend"` // "memory" or "redis"
	MaxEntries   int    `mapstructure:"max_entries"`
	TTLSeconds   int    `mapstructure:"ttl_seconds"`
	OnStoreError string `mapstructure:"on_store_error"`
}

type FilteringConfig struct {
	Expressions []string       `mapstructure:"expressions"`
	Fallback    FallbackConfig `mapstructure:"fallback"`
}

type FallbackConfig struct {
	OnError string `mapstructure:"on_error"` // "allow" (default) or "deny"
}

type SinkConfig struct {
	Type  string          `mapstructure:"type"` // "log" or "kafka"
	Kafka KafkaSinkConfig `mapstructure:"kafka"`
}

type KafkaSinkConfig struct {
	Brokers []string    `mapstructure:"brokers"`
	Topic   string      `mapstructure:"topic"`
	Retry   RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type DatabaseConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StatusConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
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
