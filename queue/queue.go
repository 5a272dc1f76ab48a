// Package queue provides the Redis-backed task queue the scheduler feeds
// and the workers drain. Delivery is at-least-once: dequeued tasks sit in
// a processing set until acked, and a reaper re-enqueues tasks whose
// deadline lapsed.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/langgraphsystem/rssnews-sub002/metrics"
)

// Queue names, ordered by drain priority.
const (
	QueueEmergency       = "emergency"
	QueueBatchProcessing = "batch_processing"
	QueueFeedManagement  = "feed_management"
	QueueMaintenance     = "maintenance"
	QueueDefault         = "default"
)

// Priority returns the numeric priority of a named queue.
func Priority(queue string) int {
	switch queue {
	case QueueEmergency:
		return 10
	case QueueBatchProcessing:
		return 5
	case QueueFeedManagement:
		return 3
	case QueueMaintenance:
		return 1
	default:
		return 0
	}
}

// AllQueues lists the queues in drain order, highest priority first.
func AllQueues() []string {
	return []string{QueueEmergency, QueueBatchProcessing, QueueFeedManagement, QueueMaintenance, QueueDefault}
}

// Task types dispatched by the workers.
const (
	TaskProcessBatch    = "process_batch"
	TaskCreateBatch     = "create_batch"
	TaskEmergencyBatch  = "emergency_batch"
	TaskCleanupLocks    = "cleanup_expired_locks"
	TaskFeedHealthCheck = "feed_health_check"
	TaskResetFeedQuotas = "reset_feed_quotas"
)

// Task is one unit of deferred work.
type Task struct {
	ID            string          `json:"id"`
	TaskType      string          `json:"task_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Queue         string          `json:"queue"`
	Priority      int             `json:"priority"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	ETA           time.Time       `json:"eta"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// RetryPolicy controls the re-enqueue delay after a failed attempt.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultRetryPolicy doubles from 30s up to 30 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 30 * time.Second, Cap: 30 * time.Minute}
}

// Delay returns the backoff before the given attempt with jitter in
// [0.8, 1.2] of the exponential value.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}

// processingGrace is how long a dequeued task may run before the reaper
// considers it lost.
const processingGrace = 10 * time.Minute

// TaskQueue is the Redis priority queue client.
type TaskQueue struct {
	client *redis.Client
	prefix string
	retry  RetryPolicy
	sink   *metrics.Sink
}

// NewTaskQueue creates the queue client. sink may be nil.
func NewTaskQueue(client *redis.Client, keyPrefix string, retry RetryPolicy, sink *metrics.Sink) *TaskQueue {
	return &TaskQueue{client: client, prefix: keyPrefix + "q:", retry: retry, sink: sink}
}

func (q *TaskQueue) queueKey(name string) string { return q.prefix + name }
func (q *TaskQueue) delayedKey() string          { return q.prefix + "delayed" }
func (q *TaskQueue) processingKey() string       { return q.prefix + "processing" }
func (q *TaskQueue) processingDataKey() string   { return q.prefix + "processing:data" }
func (q *TaskQueue) deadLetterKey() string       { return q.prefix + "dead" }

// NewTask builds a task bound to its queue with defaults applied.
func NewTask(taskType, queueName string, payload interface{}, maxAttempts int) (*Task, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode task payload: %w", err)
		}
		raw = data
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Task{
		ID:          uuid.NewString(),
		TaskType:    taskType,
		Payload:     raw,
		Queue:       queueName,
		Priority:    Priority(queueName),
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// Enqueue puts the task on its queue, or on the delayed set when its ETA
// is in the future.
func (q *TaskQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}

	if task.ETA.After(time.Now()) {
		if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(task.ETA.UnixMilli()),
			Member: payload,
		}).Err(); err != nil {
			return fmt.Errorf("failed to enqueue delayed task %s: %w", task.ID, err)
		}
	} else {
		if err := q.client.RPush(ctx, q.queueKey(task.Queue), payload).Err(); err != nil {
			return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
		}
	}

	if q.sink != nil {
		q.sink.Incr("queue.enqueued", 1, map[string]string{
			"queue": task.Queue, "task_type": task.TaskType,
		})
	}
	return nil
}

// Dequeue blocks up to timeout for the next task across the given queues,
// checked in priority order. Returns nil on timeout. The task is tracked
// as processing until Ack or Fail.
func (q *TaskQueue) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*Task, error) {
	if len(queues) == 0 {
		queues = AllQueues()
	}
	if err := q.PromoteDelayed(ctx); err != nil {
		return nil, err
	}

	keys := make([]string, len(queues))
	for i, name := range queues {
		keys[i] = q.queueKey(name)
	}

	res, err := q.client.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(res) < 2 {
		return nil, nil
	}

	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}

	deadline := time.Now().Add(processingGrace)
	pipe := q.client.Pipeline()
	pipe.ZAdd(ctx, q.processingKey(), redis.Z{Score: float64(deadline.Unix()), Member: task.ID})
	pipe.HSet(ctx, q.processingDataKey(), task.ID, res[1])
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to track task %s: %w", task.ID, err)
	}

	if q.sink != nil {
		q.sink.Incr("queue.dequeued", 1, map[string]string{
			"queue": task.Queue, "task_type": task.TaskType,
		})
	}
	return &task, nil
}

// PromoteDelayed moves due tasks from the delayed set onto their queues.
func (q *TaskQueue) PromoteDelayed(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed tasks: %w", err)
	}
	for _, raw := range due {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.client.ZRem(ctx, q.delayedKey(), raw)
			continue
		}
		// Remove first so a crashed promote loses the delay, not the task
		// ordering guarantee.
		removed, err := q.client.ZRem(ctx, q.delayedKey(), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.queueKey(task.Queue), raw).Err(); err != nil {
			return fmt.Errorf("failed to promote task %s: %w", task.ID, err)
		}
	}
	return nil
}

// Ack marks the task done and drops the processing record.
func (q *TaskQueue) Ack(ctx context.Context, task *Task) error {
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, q.processingKey(), task.ID)
	pipe.HDel(ctx, q.processingDataKey(), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", task.ID, err)
	}
	if q.sink != nil {
		q.sink.Incr("queue.acked", 1, map[string]string{
			"queue": task.Queue, "task_type": task.TaskType,
		})
	}
	return nil
}

// Fail records a failed attempt. Tasks with attempts left are re-enqueued
// with exponential backoff; exhausted tasks go to the dead-letter list.
func (q *TaskQueue) Fail(ctx context.Context, task *Task, cause error) error {
	if err := q.Ack(ctx, task); err != nil {
		return err
	}

	task.Attempt++
	if task.Attempt >= task.MaxAttempts {
		payload, err := json.Marshal(map[string]interface{}{
			"task":      task,
			"error":     fmt.Sprint(cause),
			"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return fmt.Errorf("failed to encode dead letter for %s: %w", task.ID, err)
		}
		if err := q.client.RPush(ctx, q.deadLetterKey(), payload).Err(); err != nil {
			return fmt.Errorf("failed to dead-letter task %s: %w", task.ID, err)
		}
		if q.sink != nil {
			q.sink.Incr("task.retries_exhausted", 1, map[string]string{
				"queue": task.Queue, "task_type": task.TaskType,
			})
		}
		return nil
	}

	task.ETA = time.Now().Add(q.retry.Delay(task.Attempt))
	if err := q.Enqueue(ctx, task); err != nil {
		return err
	}
	if q.sink != nil {
		q.sink.Incr("queue.retried", 1, map[string]string{
			"queue": task.Queue, "task_type": task.TaskType,
		})
	}
	return nil
}

// ReapProcessing re-enqueues tasks whose processing deadline lapsed,
// charging them an attempt. Returns how many were recovered.
func (q *TaskQueue) ReapProcessing(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	expired, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read processing set: %w", err)
	}

	recovered := 0
	for _, id := range expired {
		raw, err := q.client.HGet(ctx, q.processingDataKey(), id).Result()
		if err == redis.Nil {
			q.client.ZRem(ctx, q.processingKey(), id)
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to load processing task %s: %w", id, err)
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.client.ZRem(ctx, q.processingKey(), id)
			q.client.HDel(ctx, q.processingDataKey(), id)
			continue
		}
		if err := q.Fail(ctx, &task, fmt.Errorf("processing deadline lapsed")); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Depth returns the backlog length of a queue.
func (q *TaskQueue) Depth(ctx context.Context, queueName string) (int64, error) {
	n, err := q.client.LLen(ctx, q.queueKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", queueName, err)
	}
	return n, nil
}

// Depths returns backlog lengths for all known queues plus the delayed and
// dead-letter holding areas.
func (q *TaskQueue) Depths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, name := range AllQueues() {
		n, err := q.Depth(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read delayed depth: %w", err)
	}
	out["delayed"] = delayed
	dead, err := q.client.LLen(ctx, q.deadLetterKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter depth: %w", err)
	}
	out["dead"] = dead
	return out, nil
}
