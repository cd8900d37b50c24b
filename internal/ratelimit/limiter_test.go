package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carpool/ridematch/internal/logging"
)

func redisOrSkip(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestAllowWithinLimit(t *testing.T) {
	rdb := redisOrSkip(t)
	l := NewLimiter(rdb, map[string]Rule{"start_search": SearchRule(3, time.Minute)}, logging.Discard())
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, "rl:search:"+user) })

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "start_search", user)
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i+1)
	}
	remaining, err := l.Remaining(ctx, "start_search", user)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	ok, retry, err := l.Allow(ctx, "start_search", user)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute)
}

func TestWindowResets(t *testing.T) {
	rdb := redisOrSkip(t)
	l := NewLimiter(rdb, map[string]Rule{"send_chat_message": ChatRule(1, time.Second)}, logging.Discard())
	ctx := context.Background()
	user := "user-" + uuid.NewString()

	ok, _, _ := l.Allow(ctx, "send_chat_message", user)
	assert.True(t, ok)
	ok, _, _ = l.Allow(ctx, "send_chat_message", user)
	assert.False(t, ok)

	time.Sleep(1100 * time.Millisecond)
	ok, _, _ = l.Allow(ctx, "send_chat_message", user)
	assert.True(t, ok)
}

func TestUnknownActionIsUnlimited(t *testing.T) {
	// No Redis round trip happens for actions without a rule.
	l := NewLimiter(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), nil, logging.Discard())
	ok, retry, err := l.Allow(context.Background(), "ping", "u")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, retry)
}

func TestFailOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	l := NewLimiter(rdb, map[string]Rule{"start_search": SearchRule(1, time.Minute)}, logging.Discard())

	ok, _, err := l.Allow(context.Background(), "start_search", "u")
	assert.Error(t, err)
	assert.True(t, ok)
}
