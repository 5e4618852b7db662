package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"kapestr/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	// Without a file the service runs on defaults and environment only.
	if configFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults covers settings whose zero value is meaningful, so it cannot be
// told apart from an unset key after Unmarshal.
func setDefaults() {
	viper.SetDefault("relay.urls", []string{constants.DefaultRelayURL})
	viper.SetDefault("pipeline.max_receive_errors", constants.DefaultMaxReceiveErrors)

	viper.SetDefault("relay.verify_signatures", true)
	viper.SetDefault("deduplication.enabled", true)
	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("status.rate_limit.enabled", true)
}

func bindEnvVariables() {
	viper.BindEnv("relay.urls", "RELAY_URLS")
	viper.BindEnv("relay.verify_signatures", "RELAY_VERIFY_SIGNATURES")

	viper.BindEnv("pipeline.initial_limit", "PIPELINE_INITIAL_LIMIT")
	viper.BindEnv("pipeline.outbound_capacity", "PIPELINE_OUTBOUND_CAPACITY")
	viper.BindEnv("pipeline.max_receive_errors", "PIPELINE_MAX_RECEIVE_ERRORS")

	viper.BindEnv("resolver.timeout", "RESOLVER_TIMEOUT")
	viper.BindEnv("resolver.workers", "RESOLVER_WORKERS")
	viper.BindEnv("resolver.fallback", "RESOLVER_FALLBACK")

	viper.BindEnv("deduplication.enabled", "DEDUPLICATION_ENABLED")
	viper.BindEnv("deduplication.backend", "DEDUPLICATION_BACKEND")

	viper.BindEnv("sink.type", "SINK_TYPE")
	viper.BindEnv("sink.kafka.brokers", "SINK_KAFKA_BROKERS")
	viper.BindEnv("sink.kafka.topic", "SINK_KAFKA_TOPIC")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) {
	if urls := splitList(viper.GetString("RELAY_URLS")); len(urls) > 0 {
		cfg.Relay.URLs = urls
	}

	if brokers := splitList(viper.GetString("SINK_KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Sink.Kafka.Brokers = brokers
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyDefaults fills zero values so that a file naming only relay URLs is
// enough to run.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = constants.DefaultServerPort
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 15
	}

	if cfg.Relay.StreamBuffer == 0 {
		cfg.Relay.StreamBuffer = constants.DefaultStreamBuffer
	}
	if cfg.Relay.DialTimeout == 0 {
		cfg.Relay.DialTimeout = constants.DefaultDialTimeout
	}
	if cfg.Relay.WriteTimeout == 0 {
		cfg.Relay.WriteTimeout = constants.DefaultWriteTimeout
	}
	defaultBackoff(&cfg.Relay.Reconnect, time.Second, time.Minute)

	if cfg.Pipeline.InitialLimit == 0 {
		cfg.Pipeline.InitialLimit = constants.DefaultInitialLimit
	}
	if cfg.Pipeline.OutboundCapacity == 0 {
		cfg.Pipeline.OutboundCapacity = constants.DefaultOutboundCapacity
	}
	defaultBackoff(&cfg.Pipeline.ReceiveBackoff, 10*time.Millisecond, time.Second)

	if cfg.Resolver.Timeout == 0 {
		cfg.Resolver.Timeout = constants.DefaultResolveTimeout
	}
	if cfg.Resolver.UnsubscribeTimeout == 0 {
		cfg.Resolver.UnsubscribeTimeout = constants.DefaultUnsubscribeTimeout
	}
	if cfg.Resolver.Workers == 0 {
		cfg.Resolver.Workers = constants.DefaultResolverWorkers
	}
	if cfg.Resolver.MaxPending == 0 {
		cfg.Resolver.MaxPending = constants.DefaultMaxPending
	}
	if cfg.Resolver.Fallback == "" {
		cfg.Resolver.Fallback = constants.FallbackRawIdentifier
	}

	if cfg.Deduplication.Backend == "" {
		cfg.Deduplication.Backend = constants.DedupBackendMemory
	}
	if cfg.Deduplication.MaxEntries == 0 {
		cfg.Deduplication.MaxEntries = constants.DefaultDedupEntries
	}
	if cfg.Deduplication.TTLSeconds == 0 {
		cfg.Deduplication.TTLSeconds = constants.DefaultTTLSeconds
	}
	if cfg.Deduplication.OnStoreError == "" {
		cfg.Deduplication.OnStoreError = constants.FallbackAllow
	}

	if cfg.Filtering.Fallback.OnError == "" {
		cfg.Filtering.Fallback.OnError = constants.FallbackAllow
	}

	if cfg.Sink.Type == "" {
		cfg.Sink.Type = constants.SinkTypeLog
	}
	if cfg.Sink.Kafka.Topic == "" {
		cfg.Sink.Kafka.Topic = constants.DefaultOutputTopic
	}
	if cfg.Sink.Kafka.Retry.MaxAttempts == 0 {
		cfg.Sink.Kafka.Retry.MaxAttempts = 3
	}
	if cfg.Sink.Kafka.Retry.Multiplier == 0 {
		cfg.Sink.Kafka.Retry.Multiplier = 2
	}
	if cfg.Sink.Kafka.Retry.InitialInterval == 0 {
		cfg.Sink.Kafka.Retry.InitialInterval = 100 * time.Millisecond
	}
	if cfg.Sink.Kafka.Retry.MaxInterval == 0 {
		cfg.Sink.Kafka.Retry.MaxInterval = 5 * time.Second
	}

	if cfg.Database.Redis.Host != "" && cfg.Database.Redis.Port == 0 {
		cfg.Database.Redis.Port = 6379
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = constants.ServiceName
	}

	if cfg.Status.RateLimit.RPS == 0 {
		cfg.Status.RateLimit.RPS = 10
	}
	if cfg.Status.RateLimit.Burst == 0 {
		cfg.Status.RateLimit.Burst = 20
	}
}

func defaultBackoff(b *BackoffConfig, initial, max time.Duration) {
	if b.InitialInterval == 0 {
		b.InitialInterval = initial
	}
	if b.MaxInterval == 0 {
		b.MaxInterval = max
	}
	if b.Multiplier == 0 {
		b.Multiplier = 2
	}
}
