package logging

import (
	"context"
)

type contextKey string

const (
	TraceIDKey        contextKey = "trace_id"
	EventIDKey        contextKey = "event_id"
	RelayURLKey       contextKey = "relay_url"
	SubscriptionIDKey contextKey = "subscription_id"
	ServiceNameKey    contextKey = "service_name"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, EventIDKey, eventID)
}

func WithRelayURL(ctx context.Context, relayURL string) context.Context {
	return context.WithValue(ctx, RelayURLKey, relayURL)
}

func WithSubscriptionID(ctx context.Context, subID string) context.Context {
	return context.WithValue(ctx, SubscriptionIDKey, subID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetServiceName(ctx context.Context) string {
	return stringValue(ctx, ServiceNameKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetLogFields returns the key/value pairs stored on ctx in a stable order.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)

	for _, key := range []contextKey{TraceIDKey, EventIDKey, RelayURLKey, SubscriptionIDKey, ServiceNameKey} {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}

	return fields
}
