package ratelimit_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chitram/api/internal/ratelimit"
)

func newLimiter(t *testing.T, limit int, window time.Duration) (*ratelimit.Limiter, *miniredis.Miniredis, *bytes.Buffer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	var logs bytes.Buffer
	limiter := ratelimit.New(client, ratelimit.Options{
		Prefix:  "test",
		Limit:   limit,
		Window:  window,
		Enabled: true,
	}, zerolog.New(&logs))
	return limiter, mr, &logs
}

func TestFixedWindowScenario(t *testing.T) {
	limiter, mr, _ := newLimiter(t, 3, 60*time.Second)
	ctx := context.Background()

	// t=0,1,2
	for i := 1; i <= 3; i++ {
		res := limiter.Check(ctx, "A")
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, i, res.Count)
		assert.Equal(t, 3-i, res.Remaining)
		if i < 3 {
			mr.FastForward(time.Second)
		}
	}

	// t=3
	mr.FastForward(time.Second)
	denied := limiter.Check(ctx, "A")
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.InDelta(t, 57, denied.ResetAfter.Seconds(), 1)
	assert.Equal(t, 57, denied.ResetSeconds())

	// t=61
	mr.FastForward(58 * time.Second)
	res := limiter.Check(ctx, "A")
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, 2, res.Remaining)
}

func TestLimitPlusOneDenied(t *testing.T) {
	limiter, _, logs := newLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Check(ctx, "10.0.0.1").Allowed)
	}
	res := limiter.Check(ctx, "10.0.0.1")
	assert.False(t, res.Allowed)
	assert.Equal(t, 6, res.Count)
	assert.Contains(t, logs.String(), "rate limit exceeded")
}

func TestIdentitiesAreIndependent(t *testing.T) {
	limiter, _, _ := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	assert.True(t, limiter.Check(ctx, "A").Allowed)
	assert.False(t, limiter.Check(ctx, "A").Allowed)
	assert.True(t, limiter.Check(ctx, "B").Allowed)
}

func TestFailOpenWhenRedisUnreachable(t *testing.T) {
	limiter, mr, logs := newLimiter(t, 1, time.Minute)
	ctx := context.Background()
	mr.Close()

	for i := 0; i < 5; i++ {
		res := limiter.Check(ctx, "A")
		assert.True(t, res.Allowed)
		assert.True(t, res.Degraded)
	}
	assert.Contains(t, logs.String(), "fail-open")
}

func TestNilClientFailsOpen(t *testing.T) {
	limiter := ratelimit.New(nil, ratelimit.Options{Limit: 1, Window: time.Minute, Enabled: true}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Check(context.Background(), "A").Allowed)
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := ratelimit.New(client, ratelimit.Options{Limit: 1, Window: time.Minute}, zerolog.Nop())
	for i := 0; i < 3; i++ {
		res := limiter.Check(context.Background(), "A")
		assert.True(t, res.Allowed)
		assert.False(t, res.Degraded)
	}
	assert.Empty(t, mr.Keys())
}

func TestStatusAndReset(t *testing.T) {
	limiter, mr, _ := newLimiter(t, 3, time.Minute)
	ctx := context.Background()

	limiter.Check(ctx, "A")
	limiter.Check(ctx, "A")

	status, err := limiter.Status(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, status.Count)
	assert.Equal(t, 1, status.Remaining)
	assert.True(t, mr.Exists("test:ratelimit:A"))

	require.NoError(t, limiter.Reset(ctx, "A"))
	assert.False(t, mr.Exists("test:ratelimit:A"))

	status, err = limiter.Status(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Count)
	assert.Equal(t, 1, limiter.Check(ctx, "A").Count)
}
