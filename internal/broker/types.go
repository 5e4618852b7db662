package broker

import (
	"context"

	"kapestr/pkg/models"
)

// Sink receives every post the pipeline emits.
type Sink interface {
	Publish(ctx context.Context, post models.FeedPost) error
	Close() error
}

// named is implemented by sinks that label their metrics.
type named interface {
	Name() string
}

func sinkName(s Sink) string {
	if n, ok := s.(named); ok {
		return n.Name()
	}
	return "custom"
}
