package tracing

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kapestr/pkg/logging"
)

const tracerName = "kapestr/feed"

// StartEventSpan opens a span for one relay event and stores the trace and
// event ids on the returned context for logging.
func StartEventSpan(ctx context.Context, operation string, ev *nostr.Event) (context.Context, trace.Span) {
	ctx, span := GetTracer(tracerName).Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("nostr.event.id", ev.ID),
			attribute.String("nostr.event.pubkey", ev.PubKey),
			attribute.Int("nostr.event.kind", ev.Kind),
		),
	)

	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = logging.WithTraceID(ctx, sc.TraceID().String())
	}
	return logging.WithEventID(ctx, ev.ID), span
}

func StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return GetTracer(tracerName).Start(ctx, operation, trace.WithAttributes(attrs...))
}
