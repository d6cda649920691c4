package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to a local Redis under a throwaway key prefix, or
// skips the test when none is running.
func newTestRedis(t *testing.T) *RedisStorage {
	t.Helper()
	prefix := "process-test:" + uuid.NewString() + ":"
	s, err := NewRedisStorage(RedisOptions{
		Addr:        "localhost:6379",
		PoolSize:    10,
		IdleTimeout: time.Minute,
		KeyPrefix:   prefix,
	})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, err := s.client.Keys(ctx, prefix+"*").Result()
		if err == nil && len(keys) > 0 {
			s.client.Del(ctx, keys...)
		}
		s.Close()
	})
	return s
}

func TestRedisStorage(t *testing.T) {
	testStore(t, newTestRedis(t))
}

func TestRedisStorage_NotFoundWrapsBoth(t *testing.T) {
	s := newTestRedis(t)
	_, _, err := s.LoadInstance(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorage_ConnectFailure(t *testing.T) {
	_, err := NewRedisStorage(RedisOptions{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}
