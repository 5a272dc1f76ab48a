package idempotency

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

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewStore(client, "test:")
}

func TestMarkInProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("first claim wins", func(t *testing.T) {
		_, store := newTestStore(t)

		err := store.MarkInProgress(ctx, "task:abc", time.Minute, map[string]string{"worker": "w1"})
		assert.NoError(t, err)
	})

	t.Run("concurrent claim is refused", func(t *testing.T) {
		_, store := newTestStore(t)

		require.NoError(t, store.MarkInProgress(ctx, "task:abc", time.Minute, nil))
		err := store.MarkInProgress(ctx, "task:abc", time.Minute, nil)
		assert.ErrorIs(t, err, common.ErrAlreadyInProgress)
	})

	t.Run("claim expires with its TTL", func(t *testing.T) {
		mr, store := newTestStore(t)

		require.NoError(t, store.MarkInProgress(ctx, "task:abc", time.Minute, nil))
		mr.FastForward(2 * time.Minute)
		assert.NoError(t, store.MarkInProgress(ctx, "task:abc", time.Minute, nil))
	})

	t.Run("clear releases the claim", func(t *testing.T) {
		_, store := newTestStore(t)

		require.NoError(t, store.MarkInProgress(ctx, "task:abc", time.Minute, nil))
		require.NoError(t, store.ClearProgress(ctx, "task:abc"))
		assert.NoError(t, store.MarkInProgress(ctx, "task:abc", time.Minute, nil))
	})
}

func TestCompletedResultCache(t *testing.T) {
	ctx := context.Background()

	type result struct {
		BatchID string `json:"batch_id"`
		Size    int    `json:"size"`
	}

	t.Run("miss before completion", func(t *testing.T) {
		_, store := newTestStore(t)

		done, err := store.IsCompleted(ctx, "task:abc", nil)
		require.NoError(t, err)
		assert.False(t, done)
	})

	t.Run("stored result round-trips", func(t *testing.T) {
		_, store := newTestStore(t)

		require.NoError(t, store.MarkCompleted(ctx, "task:abc",
			result{BatchID: "batch_1_cafe", Size: 200}, time.Hour))

		var out result
		done, err := store.IsCompleted(ctx, "task:abc", &out)
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, "batch_1_cafe", out.BatchID)
		assert.Equal(t, 200, out.Size)
	})

	t.Run("result expires with its TTL", func(t *testing.T) {
		mr, store := newTestStore(t)

		require.NoError(t, store.MarkCompleted(ctx, "task:abc", result{}, time.Hour))
		mr.FastForward(2 * time.Hour)

		done, err := store.IsCompleted(ctx, "task:abc", nil)
		require.NoError(t, err)
		assert.False(t, done)
	})

	t.Run("progress and result keys are independent", func(t *testing.T) {
		_, store := newTestStore(t)

		require.NoError(t, store.MarkInProgress(ctx, "task:abc", time.Minute, nil))
		done, err := store.IsCompleted(ctx, "task:abc", nil)
		require.NoError(t, err)
		assert.False(t, done)
	})
}
