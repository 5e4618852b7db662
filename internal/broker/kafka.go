package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"kapestr/internal/config"
	"kapestr/internal/constants"
	"kapestr/internal/logger"
	"kapestr/pkg/metrics"
	"kapestr/pkg/models"
	"kapestr/pkg/retry"
	"kapestr/pkg/tracing"
)

// Writer is the part of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSink struct {
	writer Writer
	topic  string
	policy retry.Policy
	logger logger.Logger
}

func NewKafkaSink(cfg config.KafkaSinkConfig, log logger.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		Async:        false,
	}
	return NewKafkaSinkWithWriter(w, cfg, log)
}

// NewKafkaSinkWithWriter uses w instead of dialing the configured brokers.
func NewKafkaSinkWithWriter(w Writer, cfg config.KafkaSinkConfig, log logger.Logger) *KafkaSink {
	topic := cfg.Topic
	if topic == "" {
		topic = constants.DefaultOutputTopic
	}
	return &KafkaSink{
		writer: w,
		topic:  topic,
		policy: retryPolicy(cfg.Retry),
		logger: log,
	}
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	policy := retry.DefaultPolicy()

	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		policy.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		policy.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}
	if cfg.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = cfg.MaxElapsedTime
	}
	return policy
}

func (s *KafkaSink) Name() string {
	return constants.SinkTypeKafka
}

// Publish writes post keyed by author so one author's posts stay ordered
// within a partition.
func (s *KafkaSink) Publish(ctx context.Context, post models.FeedPost) error {
	body, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("failed to marshal post: %w", err)
	}

	headers := tracing.InjectTraceContext(ctx, nil)
	msg := kafka.Message{
		Topic:   s.topic,
		Key:     []byte(post.Author),
		Value:   body,
		Headers: headers,
		Time:    time.Now(),
	}

	start := time.Now()
	err = retry.RetryWithCallback(ctx, s.policy, func() error {
		return s.writer.WriteMessages(ctx, msg)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(constants.ServiceName, s.topic).Inc()
		s.logger.WarnwCtx(ctx, "Retrying kafka write",
			"attempt", attempt,
			"max_attempts", s.policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", s.topic,
		)
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.ObserveKafkaWriteDuration(constants.ServiceName, s.topic, time.Since(start))
	metrics.ObserveKafkaMessageSize(constants.ServiceName, s.topic, "out", len(body))
	metrics.IncKafkaMessagesWritten(constants.ServiceName, s.topic)
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
