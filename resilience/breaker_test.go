package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraphsystem/rssnews-sub002/common"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             50 * time.Millisecond,
		MaxRequestsHalfOpen: 1,
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker("feed:example.com", testBreakerConfig(), nil, "test:", nil)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow(ctx))
		b.RecordFailure(ctx)
		assert.Equal(t, Closed, b.State())
	}

	require.NoError(t, b.Allow(ctx))
	b.RecordFailure(ctx)
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(ctx), common.ErrCircuitOpen)
}

func TestBreakerSuccessDecaysFailures(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker("feed:example.com", testBreakerConfig(), nil, "test:", nil)

	// Two failures, one success, two more failures: the decay keeps the
	// count below the threshold of three.
	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	b.RecordSuccess(ctx)
	b.RecordFailure(ctx)
	assert.Equal(t, Closed, b.State())

	b.RecordFailure(ctx)
	assert.Equal(t, Open, b.State())
}

func TestBreakerHalfOpenProbes(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker("feed:example.com", testBreakerConfig(), nil, "test:", nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}
	require.Equal(t, Open, b.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())

	t.Run("concurrent probes are capped", func(t *testing.T) {
		require.NoError(t, b.Allow(ctx))
		assert.ErrorIs(t, b.Allow(ctx), common.ErrCircuitOpen)
		b.RecordSuccess(ctx)
	})

	t.Run("enough successes close the breaker", func(t *testing.T) {
		require.NoError(t, b.Allow(ctx))
		b.RecordSuccess(ctx)
		assert.Equal(t, Closed, b.State())
	})
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker("feed:example.com", testBreakerConfig(), nil, "test:", nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Allow(ctx))
	b.RecordFailure(ctx)
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(ctx), common.ErrCircuitOpen)
}

func TestBreakerMirrorsStateToRedis(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := NewBreaker("feed:example.com", testBreakerConfig(), client, "test:", nil)
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}

	state := mr.HGet("test:breaker:feed:example.com", "state")
	assert.Equal(t, "open", state)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testBreakerConfig(), nil, "test:", nil)

	a := r.Get("feed:a.com")
	assert.Same(t, a, r.Get("feed:a.com"))
	assert.NotSame(t, a, r.Get("feed:b.com"))

	assert.False(t, r.IsOpen("feed:a.com"))
	for i := 0; i < 3; i++ {
		a.RecordFailure(context.Background())
	}
	assert.True(t, r.IsOpen("feed:a.com"))
	assert.False(t, r.IsOpen("feed:b.com"))
}
