package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RelayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Number of relays currently connected (count)",
		},
	)

	RelayFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Total number of frames received from relays by label (count)",
		},
		[]string{"relay", "label"},
	)

	RelayReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_reconnects_total",
			Help: "Total number of relay reconnect attempts (count)",
		},
		[]string{"relay", "status"},
	)

	RelayRejectedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rejected_frames_total",
			Help: "Total number of relay frames dropped as undecodable or unverifiable (count)",
		},
		[]string{"relay", "reason"},
	)

	StreamLaggedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_stream_lagged_total",
			Help: "Total number of notifications lost by slow stream readers (count)",
		},
	)

	FeedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_events_total",
			Help: "Total number of events processed by the feed pipeline (count)",
		},
		[]string{"classification"},
	)

	FeedPostsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_posts_total",
			Help: "Total number of posts by outcome (count)",
		},
		[]string{"status"},
	)

	FeedDuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_duplicates_total",
			Help: "Total number of duplicate events discarded (count)",
		},
	)

	FeedReceiveErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_receive_errors_total",
			Help: "Total number of notification receive errors (count)",
		},
	)

	FeedProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_processing_duration_ms",
			Help:    "Processing duration of a single notification in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"classification"},
	)

	PipelineState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_pipeline_state",
			Help: "Pipeline lifecycle state (0=created .. 5=stopped) (state code)",
		},
	)

	PendingPosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_pending_posts",
			Help: "Posts waiting for their author's display name (count)",
		},
	)

	OutboundQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_outbound_queue_size",
			Help: "Current number of messages in the outbound queue (count)",
		},
	)

	OutboundSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feed_outbound_send_duration_ms",
			Help:    "Time spent blocked on the outbound queue in milliseconds",
			Buckets: []float64{0.1, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)

	MetadataCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "metadata_cache_size",
			Help: "Number of authors with a cached display name (count)",
		},
	)

	ResolverRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_requests_total",
			Help: "Total number of display name resolutions by outcome (count)",
		},
		[]string{"outcome"},
	)

	ResolverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resolver_duration_ms",
			Help:    "Duration of display name resolutions in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)

	ResolverInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resolver_in_flight",
			Help: "Number of resolutions currently running (count)",
		},
	)

	DedupProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dedup_processing_duration_ms",
			Help:    "Processing duration for deduplication in milliseconds",
			Buckets: []float64{0.1, 1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"status"},
	)

	DedupCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedup_cache_size",
			Help: "Approximate size of deduplication cache (count)",
		},
	)

	FilteringEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filtering_evaluations_total",
			Help: "Total number of feed filter evaluations (count)",
		},
		[]string{"result"},
	)

	SinkPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_published_total",
			Help: "Total number of posts handed to the downstream sink (count)",
		},
		[]string{"sink", "status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "topic", "direction"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"service", "strategy", "reason"},
	)
)

var registerOnce sync.Once

// RegisterFeedMetrics registers every collector with the default registry.
// Safe to call more than once.
func RegisterFeedMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RelayConnections,
			RelayFramesTotal,
			RelayReconnectsTotal,
			RelayRejectedFramesTotal,
			StreamLaggedTotal,
			FeedEventsTotal,
			FeedPostsTotal,
			FeedDuplicatesTotal,
			FeedReceiveErrorsTotal,
			FeedProcessingDuration,
			PipelineState,
			PendingPosts,
			OutboundQueueSize,
			OutboundSendDuration,
			MetadataCacheSize,
			ResolverRequestsTotal,
			ResolverDuration,
			ResolverInFlight,
			DedupProcessingDuration,
			DedupCacheSize,
			FilteringEvaluationsTotal,
			SinkPublishedTotal,
			RetryAttemptsTotal,
			KafkaMessagesWrittenTotal,
			KafkaMessageSizeBytes,
			KafkaWriteDuration,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
			FallbackUsageTotal,
		)
	})
}

func ObserveFeedProcessing(classification string, duration time.Duration) {
	FeedProcessingDuration.WithLabelValues(classification).Observe(float64(duration.Milliseconds()))
}

func IncFeedEvent(classification string) {
	FeedEventsTotal.WithLabelValues(classification).Inc()
}

func IncFeedPost(status string) {
	FeedPostsTotal.WithLabelValues(status).Inc()
}

func IncRelayFrame(relay, label string) {
	RelayFramesTotal.WithLabelValues(relay, label).Inc()
}

func IncRelayReconnect(relay, status string) {
	RelayReconnectsTotal.WithLabelValues(relay, status).Inc()
}

func IncRelayRejectedFrame(relay, reason string) {
	RelayRejectedFramesTotal.WithLabelValues(relay, reason).Inc()
}

func IncResolverRequest(outcome string) {
	ResolverRequestsTotal.WithLabelValues(outcome).Inc()
}

func ObserveResolverDuration(duration time.Duration) {
	ResolverDuration.Observe(float64(duration.Milliseconds()))
}

func ObserveOutboundSend(duration time.Duration) {
	OutboundSendDuration.Observe(float64(duration.Microseconds()) / 1000)
}

func ObserveDedupDuration(duration time.Duration, status string) {
	DedupProcessingDuration.WithLabelValues(status).Observe(float64(duration.Microseconds()) / 1000)
}

func SetDedupCacheSize(size int) {
	DedupCacheSize.Set(float64(size))
}

func IncFilteringEvaluation(result string) {
	FilteringEvaluationsTotal.WithLabelValues(result).Inc()
}

func IncSinkPublished(sink, status string) {
	SinkPublishedTotal.WithLabelValues(sink, status).Inc()
}

func IncFallbackUsage(service, strategy, reason string) {
	FallbackUsageTotal.WithLabelValues(service, strategy, reason).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaMessageSize(service, topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}
