package deduplication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"kapestr/internal/config"
	"kapestr/internal/constants"
	"kapestr/internal/logger"
	"kapestr/pkg/metrics"
)

// Service drops events whose id was already seen, typically because more
// than one relay delivered them.
type Service struct {
	repo   Repository
	cfg    config.DeduplicationConfig
	ttl    time.Duration
	logger logger.Logger
}

func NewService(repo Repository, cfg config.DeduplicationConfig, log logger.Logger) *Service {
	return &Service{
		repo:   repo,
		cfg:    cfg,
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
		logger: log,
	}
}

// NewFromConfig builds the repository selected by cfg.Backend. A nil redis
// client is accepted for the memory backend.
func NewFromConfig(cfg *config.Config, redisRepo Repository, log logger.Logger) (*Service, error) {
	var repo Repository
	switch strings.ToLower(cfg.Deduplication.Backend) {
	case constants.DedupBackendRedis:
		if redisRepo == nil {
			return nil, fmt.Errorf("redis deduplication backend requires a redis connection")
		}
		repo = NewCircuitBreakerRepository(redisRepo, cfg.CircuitBreaker)
	default:
		mem, err := NewMemoryRepository(cfg.Deduplication.MaxEntries)
		if err != nil {
			return nil, err
		}
		repo = mem
	}
	return NewService(repo, cfg.Deduplication, log), nil
}

// Process reports whether ev is seen for the first time. With deduplication
// disabled every event is unique.
func (s *Service) Process(ctx context.Context, ev *nostr.Event) (bool, error) {
	if !s.cfg.Enabled {
		return true, nil
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	key := constants.CacheKeyPrefixDedup + ev.ID
	start := time.Now()
	unique, err := s.repo.SetNX(ctx, key, time.Now().Unix(), s.ttl)
	duration := time.Since(start)

	if err != nil {
		metrics.ObserveDedupDuration(duration, "error")
		return s.handleStoreError(ctx, err, ev.ID)
	}

	status := "duplicate"
	if unique {
		status = "unique"
	}
	metrics.ObserveDedupDuration(duration, status)
	return unique, nil
}

func (s *Service) handleStoreError(ctx context.Context, err error, eventID string) (bool, error) {
	if strings.ToLower(s.cfg.OnStoreError) == constants.FallbackAllow {
		metrics.IncFallbackUsage("deduplication", "allow_on_error", "store_error")
		s.logger.WarnwCtx(ctx, "Dedup store error, treating event as unique (fallback: allow)",
			"event_id", eventID,
			"error", err,
		)
		return true, nil
	}

	metrics.IncFallbackUsage("deduplication", "reject_on_error", "store_error")
	return false, fmt.Errorf("dedup check for event %s: %w", eventID, err)
}

// RunMetrics refreshes the seen-set size gauge until ctx ends.
func (s *Service) RunMetrics(ctx context.Context, interval time.Duration) error {
	if !s.cfg.Enabled {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			size, err := s.repo.Size(ctx, constants.CacheKeyPrefixDedup)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Debugw("Failed to get dedup set size for metrics", "error", err)
				continue
			}
			metrics.SetDedupCacheSize(size)
		}
	}
}
