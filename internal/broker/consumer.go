package broker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"

	"kapestr/internal/enrichment"
	"kapestr/internal/logger"
	"kapestr/pkg/logging"
	"kapestr/pkg/metrics"
	"kapestr/pkg/models"
	"kapestr/pkg/tracing"
)

// Consumer drains the pipeline's outbound queue into a Sink.
type Consumer struct {
	sink   Sink
	name   string
	logger logger.Logger
}

func NewConsumer(sink Sink, log logger.Logger) *Consumer {
	return &Consumer{sink: sink, name: sinkName(sink), logger: log}
}

// Run publishes every message until out is closed or ctx ends. A failed
// publish is logged and skipped. When ctx ends first the receiver is closed
// so the pipeline stops sending.
func (c *Consumer) Run(ctx context.Context, out *enrichment.Outbound) error {
	defer out.CloseReceiver()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-out.Receive():
			if !ok {
				c.logger.InfowCtx(ctx, "Outbound queue closed", "sink", c.name)
				return nil
			}
			metrics.OutboundQueueSize.Set(float64(out.Len()))
			c.publish(ctx, msg)
		}
	}
}

func (c *Consumer) publish(ctx context.Context, msg enrichment.OutboundMessage) {
	ctx, span := tracing.StartEventSpan(ctx, "sink.publish", msg.Event)
	defer span.End()

	post := models.NewFeedPostBuilder().
		FromEvent(msg.Event).
		WithDisplayName(msg.DisplayName, msg.Fallback).
		WithTraceID(logging.GetTraceID(ctx)).
		Build()

	start := time.Now()
	if err := c.sink.Publish(ctx, post); err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.IncSinkPublished(c.name, "error")
		c.logger.ErrorwCtx(ctx, "Failed to publish post",
			"sink", c.name,
			"error", err,
		)
		return
	}
	metrics.IncSinkPublished(c.name, "success")
	c.logger.DebugwCtx(ctx, "Post published", "sink", c.name, "duration", time.Since(start))
}
