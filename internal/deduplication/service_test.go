package deduplication

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kapestr/internal/config"
	"kapestr/internal/constants"
	"kapestr/internal/logger"
)

type failingRepository struct {
	err   error
	calls int
}

func (r *failingRepository) SetNX(context.Context, string, interface{}, time.Duration) (bool, error) {
	r.calls++
	return false, r.err
}

func (r *failingRepository) Size(context.Context, string) (int, error) {
	return 0, r.err
}

func createTestDeduplicationConfig() config.DeduplicationConfig {
	return config.DeduplicationConfig{
		Enabled:      true,
		Backend:      constants.DedupBackendMemory,
		MaxEntries:   100,
		TTLSeconds:   60,
		OnStoreError: constants.FallbackAllow,
	}
}

func newMemoryService(t *testing.T, maxEntries int) *Service {
	t.Helper()
	repo, err := NewMemoryRepository(maxEntries)
	require.NoError(t, err)
	return NewService(repo, createTestDeduplicationConfig(), logger.NopLogger())
}

func TestDeduplicationService_Process_Unique(t *testing.T) {
	svc := newMemoryService(t, 100)

	isUnique, err := svc.Process(context.Background(), &nostr.Event{ID: "ev-1"})
	require.NoError(t, err)
	assert.True(t, isUnique)
}

func TestDeduplicationService_Process_Duplicate(t *testing.T) {
	svc := newMemoryService(t, 100)
	ctx := context.Background()
	ev := &nostr.Event{ID: "ev-1", Content: "first copy"}

	isUnique, err := svc.Process(ctx, ev)
	require.NoError(t, err)
	assert.True(t, isUnique)

	// Same id from another relay, even with different content.
	isUnique, err = svc.Process(ctx, &nostr.Event{ID: "ev-1", Content: "second copy"})
	require.NoError(t, err)
	assert.False(t, isUnique)
}

func TestDeduplicationService_Process_DifferentEvents(t *testing.T) {
	svc := newMemoryService(t, 100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		isUnique, err := svc.Process(ctx, &nostr.Event{ID: fmt.Sprintf("ev-%d", i)})
		require.NoError(t, err)
		assert.True(t, isUnique, "event %d should be unique", i)
	}
}

func TestDeduplicationService_Process_Disabled(t *testing.T) {
	repo := &failingRepository{err: errors.New("should not be called")}
	cfg := createTestDeduplicationConfig()
	cfg.Enabled = false
	svc := NewService(repo, cfg, logger.NopLogger())

	for i := 0; i < 2; i++ {
		isUnique, err := svc.Process(context.Background(), &nostr.Event{ID: "ev-1"})
		require.NoError(t, err)
		assert.True(t, isUnique)
	}
	assert.Zero(t, repo.calls)
}

func TestDeduplicationService_Process_StoreErrorAllow(t *testing.T) {
	repo := &failingRepository{err: errors.New("connection refused")}
	svc := NewService(repo, createTestDeduplicationConfig(), logger.NopLogger())

	isUnique, err := svc.Process(context.Background(), &nostr.Event{ID: "ev-1"})
	require.NoError(t, err)
	assert.True(t, isUnique)
}

func TestDeduplicationService_Process_StoreErrorReject(t *testing.T) {
	storeErr := errors.New("connection refused")
	cfg := createTestDeduplicationConfig()
	cfg.OnStoreError = "reject"
	svc := NewService(&failingRepository{err: storeErr}, cfg, logger.NopLogger())

	isUnique, err := svc.Process(context.Background(), &nostr.Event{ID: "ev-1"})
	assert.ErrorIs(t, err, storeErr)
	assert.False(t, isUnique)
}

func TestDeduplicationService_Process_ContextCancellation(t *testing.T) {
	svc := newMemoryService(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Process(ctx, &nostr.Event{ID: "ev-1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryRepository_EvictsOldest(t *testing.T) {
	repo, err := NewMemoryRepository(2)
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		ok, err := repo.SetNX(ctx, key, nil, 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	size, err := repo.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	ok, err := repo.SetNX(ctx, "a", nil, 0)
	require.NoError(t, err)
	assert.True(t, ok, "evicted key is new again")

	ok, err = repo.SetNX(ctx, "c", nil, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRepository_InvalidSize(t *testing.T) {
	_, err := NewMemoryRepository(0)
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{Deduplication: createTestDeduplicationConfig()}

	svc, err := NewFromConfig(cfg, nil, logger.NopLogger())
	require.NoError(t, err)
	_, isMemory := svc.repo.(*MemoryRepository)
	assert.True(t, isMemory)

	cfg.Deduplication.Backend = "REDIS"
	_, err = NewFromConfig(cfg, nil, logger.NopLogger())
	assert.Error(t, err, "redis backend needs a connection")

	svc, err = NewFromConfig(cfg, &failingRepository{}, logger.NopLogger())
	require.NoError(t, err)
	_, isBreaker := svc.repo.(*CircuitBreakerRepository)
	assert.True(t, isBreaker)
}

func TestCircuitBreakerRepository_OpensOnFailures(t *testing.T) {
	storeErr := errors.New("redis down")
	inner := &failingRepository{err: storeErr}
	repo := NewCircuitBreakerRepository(inner, config.CircuitBreakerConfig{
		Enabled:      true,
		FailureRatio: 0.5,
		MinRequests:  2,
		Timeout:      time.Minute,
	})
	assert.Equal(t, "closed", repo.State())

	for i := 0; i < 2; i++ {
		_, err := repo.SetNX(context.Background(), "k", 1, time.Second)
		assert.ErrorIs(t, err, storeErr)
	}
	assert.Equal(t, "open", repo.State())

	_, err := repo.SetNX(context.Background(), "k", 1, time.Second)
	assert.Error(t, err)
	assert.Equal(t, 2, inner.calls, "open circuit does not reach the store")
}

func TestCircuitBreakerRepository_Disabled(t *testing.T) {
	repo := NewCircuitBreakerRepository(&failingRepository{err: errors.New("x")}, config.CircuitBreakerConfig{})
	assert.Equal(t, "disabled", repo.State())
}
