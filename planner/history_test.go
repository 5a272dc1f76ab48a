package planner

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewHistory(client, "test:")
}

func TestHistoryBestSize(t *testing.T) {
	ctx := context.Background()
	h := newTestHistory(t)

	t.Run("empty history reports no best size", func(t *testing.T) {
		_, ok := h.BestSize(ctx, 0.5)
		assert.False(t, ok)
	})

	require.NoError(t, h.Record(ctx, Observation{LoadFactor: 0.45, Size: 150, SuccessRate: 0.92}))
	require.NoError(t, h.Record(ctx, Observation{LoadFactor: 0.50, Size: 180, SuccessRate: 0.97}))
	require.NoError(t, h.Record(ctx, Observation{LoadFactor: 0.52, Size: 220, SuccessRate: 0.80}))
	require.NoError(t, h.Record(ctx, Observation{LoadFactor: 0.90, Size: 80, SuccessRate: 0.99}))

	t.Run("picks the best success rate under similar load", func(t *testing.T) {
		size, ok := h.BestSize(ctx, 0.5)
		require.True(t, ok)
		assert.Equal(t, 180, size)
	})

	t.Run("dissimilar load is ignored", func(t *testing.T) {
		size, ok := h.BestSize(ctx, 0.88)
		require.True(t, ok)
		assert.Equal(t, 80, size, "only the high-load observation is comparable")
	})

	t.Run("no comparable observation", func(t *testing.T) {
		_, ok := h.BestSize(ctx, 0.7)
		assert.False(t, ok)
	})
}

func TestHistoryTrimsToRetentionCap(t *testing.T) {
	ctx := context.Background()
	h := newTestHistory(t)

	for i := 0; i < historyLength+50; i++ {
		require.NoError(t, h.Record(ctx, Observation{LoadFactor: 0.3, Size: 100 + i, SuccessRate: 0.9}))
	}

	n, err := h.client.LLen(ctx, h.key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(historyLength), n)
}
