package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*miniredis.Miniredis, *TaskQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewTaskQueue(client, "test:", DefaultRetryPolicy(), nil)
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 10, Priority(QueueEmergency))
	assert.Equal(t, 5, Priority(QueueBatchProcessing))
	assert.Equal(t, 3, Priority(QueueFeedManagement))
	assert.Equal(t, 1, Priority(QueueMaintenance))
	assert.Equal(t, 0, Priority(QueueDefault))
	assert.Equal(t, 0, Priority("unknown"))
}

func TestNewTask(t *testing.T) {
	task, err := NewTask(TaskCreateBatch, QueueBatchProcessing,
		map[string]string{"priority": "normal"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, 5, task.Priority)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.NotEmpty(t, task.Payload)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t)

	task, err := NewTask(TaskCreateBatch, QueueBatchProcessing, nil, 3)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, TaskCreateBatch, got.TaskType)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depths[QueueBatchProcessing])

	require.NoError(t, q.Ack(ctx, got))
}

func TestDequeuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t)

	normal, err := NewTask(TaskCreateBatch, QueueBatchProcessing, nil, 3)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, normal))

	urgent, err := NewTask(TaskEmergencyBatch, QueueEmergency, nil, 3)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, urgent))

	got, err := q.Dequeue(ctx, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, urgent.ID, got.ID, "emergency queue drains first")
}

func TestDelayedTaskPromotion(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t)

	task, err := NewTask(TaskCreateBatch, QueueBatchProcessing, nil, 3)
	require.NoError(t, err)
	task.ETA = time.Now().Add(time.Hour)
	require.NoError(t, q.Enqueue(ctx, task))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["delayed"])
	assert.Equal(t, int64(0), depths[QueueBatchProcessing])

	// Not due yet.
	require.NoError(t, q.PromoteDelayed(ctx))
	depths, err = q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["delayed"])

	// Due now.
	task.ETA = time.Now().Add(-time.Second)
	require.NoError(t, q.client.ZRemRangeByRank(ctx, q.delayedKey(), 0, -1).Err())
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
}

func TestFailRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t)

	task, err := NewTask(TaskProcessBatch, QueueBatchProcessing, nil, 3)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.Fail(ctx, got, assert.AnError))
	assert.Equal(t, 1, got.Attempt)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["delayed"], "retry waits out its backoff")
	assert.Equal(t, int64(0), depths["dead"])
}

func TestFailExhaustedGoesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t)

	task, err := NewTask(TaskProcessBatch, QueueBatchProcessing, nil, 1)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.Fail(ctx, got, assert.AnError))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["dead"])
	assert.Equal(t, int64(0), depths["delayed"])
	assert.Equal(t, int64(0), depths[QueueBatchProcessing])
}

func TestReapProcessing(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t)

	task, err := NewTask(TaskProcessBatch, QueueBatchProcessing, nil, 3)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx, nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	t.Run("fresh tasks are not reaped", func(t *testing.T) {
		n, err := q.ReapProcessing(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("lapsed tasks are recovered", func(t *testing.T) {
		// Backdate the processing deadline as if the worker died.
		require.NoError(t, q.client.ZAdd(ctx, q.processingKey(), redis.Z{
			Score:  float64(time.Now().Add(-time.Minute).Unix()),
			Member: got.ID,
		}).Err())

		n, err := q.ReapProcessing(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		depths, err := q.Depths(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), depths["delayed"], "recovery charges an attempt")
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()

	for attempt, want := range map[int]time.Duration{
		0: 30 * time.Second,
		1: 60 * time.Second,
		2: 120 * time.Second,
	} {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(want)*0.8), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(want)*1.2), "attempt %d", attempt)
	}

	// The cap bounds runaway backoff.
	d := p.Delay(20)
	assert.LessOrEqual(t, d, time.Duration(float64(p.Cap)*1.2))
}
