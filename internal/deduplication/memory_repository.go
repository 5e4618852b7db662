package deduplication

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryRepository is a bounded seen-set. Once full, the least recently
// seen key is forgotten; ttl is ignored.
type MemoryRepository struct {
	seen *lru.Cache[string, struct{}]
}

func NewMemoryRepository(maxEntries int) (*MemoryRepository, error) {
	seen, err := lru.New[string, struct{}](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create dedup LRU: %w", err)
	}
	return &MemoryRepository{seen: seen}, nil
}

func (r *MemoryRepository) SetNX(ctx context.Context, key string, _ interface{}, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found, _ := r.seen.ContainsOrAdd(key, struct{}{})
	return !found, nil
}

func (r *MemoryRepository) Size(ctx context.Context, _ string) (int, error) {
	return r.seen.Len(), nil
}
