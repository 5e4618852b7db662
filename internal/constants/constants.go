package constants

import "time"

const (
	ServiceName = "feed-service"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultServerPort = 8080
)

const (
	DefaultRelayURL     = "wss://relay.damus.io"
	DefaultStreamBuffer = 1024
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

const (
	DefaultInitialLimit     = 20
	DefaultOutboundCapacity = 100
	DefaultMaxReceiveErrors = 1000
)

const (
	DefaultResolveTimeout     = 5 * time.Second
	DefaultUnsubscribeTimeout = 2 * time.Second
	DefaultResolverWorkers    = 8
	DefaultMaxPending         = 1000
)

const (
	CacheKeyPrefixDedup = "seen:"
)

const (
	DefaultOutputTopic = "enriched_posts"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultTTLSeconds   = 3600
	DefaultDedupEntries = 10000
)

const (
	DedupBackendMemory = "memory"
	DedupBackendRedis  = "redis"
)

const (
	SinkTypeLog   = "log"
	SinkTypeKafka = "kafka"
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

// Display-name fallback policies for posts whose author could not be resolved.
const (
	FallbackRawIdentifier = "raw_identifier"
	FallbackDrop          = "drop"
)

const (
	DefaultTruncateLen = 100
)
