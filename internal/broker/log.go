package broker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"kapestr/internal/constants"
	"kapestr/internal/logger"
	"kapestr/pkg/models"
)

// LogSink prints one line per post and mirrors it to the structured log.
type LogSink struct {
	mu       sync.Mutex
	out      io.Writer
	truncate int
	logger   logger.Logger
}

func NewLogSink(out io.Writer, log logger.Logger) *LogSink {
	if out == nil {
		out = os.Stdout
	}
	return &LogSink{out: out, truncate: constants.DefaultTruncateLen, logger: log}
}

func (s *LogSink) Name() string {
	return constants.SinkTypeLog
}

func (s *LogSink) Publish(ctx context.Context, post models.FeedPost) error {
	s.mu.Lock()
	_, err := fmt.Fprintf(s.out, "[%s] %s: %s\n", post.CreatedAt.Format("15:04:05"), post.DisplayName, post.Preview(s.truncate))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write post %s: %w", post.ID, err)
	}

	s.logger.InfowCtx(ctx, "Feed post",
		"event_id", post.ID,
		"author", post.Author,
		"display_name", post.DisplayName,
		"fallback", post.Metadata.Fallback,
	)
	return nil
}

func (s *LogSink) Close() error {
	return nil
}
