package deduplication

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"

	"kapestr/internal/logger"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	ctx := context.Background()
	container, err := redismodule.Run(ctx, "redis:8.4.0-alpine")
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis uri: %v", err)
	}

	opt, err := redis.ParseURL(uri)
	if err != nil {
		t.Fatalf("failed to parse redis URL: %v", err)
	}

	client := redis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
	return client
}

func TestRedisRepository_SetNX(t *testing.T) {
	repo := NewRedisRepository(setupRedis(t))
	ctx := context.Background()

	success, err := repo.SetNX(ctx, "test:dedup:key1", time.Now().Unix(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, success)

	success, err = repo.SetNX(ctx, "test:dedup:key1", time.Now().Unix(), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, success)
}

func TestRedisRepository_SetNX_TTL(t *testing.T) {
	repo := NewRedisRepository(setupRedis(t))
	ctx := context.Background()

	success, err := repo.SetNX(ctx, "test:dedup:key2", 1, time.Second)
	require.NoError(t, err)
	assert.True(t, success)

	time.Sleep(2 * time.Second)

	success, err = repo.SetNX(ctx, "test:dedup:key2", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, success, "expired key can be set again")
}

func TestRedisRepository_Size(t *testing.T) {
	repo := NewRedisRepository(setupRedis(t))
	ctx := context.Background()

	for _, key := range []string{"seen:a", "seen:b", "other:c"} {
		_, err := repo.SetNX(ctx, key, 1, time.Minute)
		require.NoError(t, err)
	}

	size, err := repo.Size(ctx, "seen:")
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestRedisRepository_SetNX_ContextCancellation(t *testing.T) {
	repo := NewRedisRepository(setupRedis(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.SetNX(ctx, "test:dedup:key3", 1, time.Second)
	assert.Error(t, err)
}

func TestDeduplicationService_Redis(t *testing.T) {
	svc := NewService(NewRedisRepository(setupRedis(t)), createTestDeduplicationConfig(), logger.NopLogger())
	ctx := context.Background()
	ev := &nostr.Event{ID: "redis-ev-1"}

	isUnique, err := svc.Process(ctx, ev)
	require.NoError(t, err)
	assert.True(t, isUnique)

	isUnique, err = svc.Process(ctx, ev)
	require.NoError(t, err)
	assert.False(t, isUnique)
}
