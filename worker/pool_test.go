package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/idempotency"
	"github.com/langgraphsystem/rssnews-sub002/queue"
)

type poolFixture struct {
	pool  *Pool
	tasks *queue.TaskQueue
	idem  *idempotency.Store
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tasks := queue.NewTaskQueue(client, "test:", queue.DefaultRetryPolicy(), nil)
	idem := idempotency.NewStore(client, "test:")
	pool := NewPool(DefaultConfig(), tasks, idem, nil, common.ComponentLogger("test"))
	return &poolFixture{pool: pool, tasks: tasks, idem: idem}
}

// dequeueOne enqueues the task and pulls it back so it sits in the
// processing set like a live delivery.
func (f *poolFixture) dequeueOne(t *testing.T, ctx context.Context, taskType string) *queue.Task {
	t.Helper()
	task, err := queue.NewTask(taskType, queue.QueueBatchProcessing, nil, 3)
	require.NoError(t, err)
	require.NoError(t, f.tasks.Enqueue(ctx, task))
	got, err := f.tasks.Dequeue(ctx, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestHandleSuccess(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)

	called := 0
	f.pool.Register(queue.TaskCreateBatch, func(ctx context.Context, _ json.RawMessage) error {
		called++
		return nil
	})

	task := f.dequeueOne(t, ctx, queue.TaskCreateBatch)
	f.pool.handle(ctx, f.pool.logger, task)

	assert.Equal(t, 1, called)

	done, err := f.idem.IsCompleted(ctx, "task:"+task.ID, nil)
	require.NoError(t, err)
	assert.True(t, done)

	depths, err := f.tasks.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depths[queue.QueueBatchProcessing])
	assert.Equal(t, int64(0), depths["dead"])
}

func TestHandleSkipsCompletedDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)

	called := 0
	f.pool.Register(queue.TaskCreateBatch, func(ctx context.Context, _ json.RawMessage) error {
		called++
		return nil
	})

	task := f.dequeueOne(t, ctx, queue.TaskCreateBatch)
	require.NoError(t, f.idem.MarkCompleted(ctx, "task:"+task.ID, "done", time.Hour))

	f.pool.handle(ctx, f.pool.logger, task)
	assert.Equal(t, 0, called, "completed task must not run again")
}

func TestHandleRequeuesWhenClaimedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)

	called := 0
	f.pool.Register(queue.TaskCreateBatch, func(ctx context.Context, _ json.RawMessage) error {
		called++
		return nil
	})

	task := f.dequeueOne(t, ctx, queue.TaskCreateBatch)
	require.NoError(t, f.idem.MarkInProgress(ctx, "task:"+task.ID, time.Minute, nil))

	f.pool.handle(ctx, f.pool.logger, task)
	assert.Equal(t, 0, called)

	depths, err := f.tasks.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["delayed"], "delivery goes back for a later retry")
}

func TestHandleFailureClearsProgressAndRetries(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)

	f.pool.Register(queue.TaskCreateBatch, func(ctx context.Context, _ json.RawMessage) error {
		return assert.AnError
	})

	task := f.dequeueOne(t, ctx, queue.TaskCreateBatch)
	f.pool.handle(ctx, f.pool.logger, task)

	// The progress marker is released so a retry can claim the key.
	assert.NoError(t, f.idem.MarkInProgress(ctx, "task:"+task.ID, time.Minute, nil))

	depths, err := f.tasks.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["delayed"])
}

func TestHandleUnknownTaskTypeDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)

	task := f.dequeueOne(t, ctx, "no_such_task")
	f.pool.handle(ctx, f.pool.logger, task)

	depths, err := f.tasks.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["dead"])
	assert.Equal(t, int64(0), depths["delayed"])
}
