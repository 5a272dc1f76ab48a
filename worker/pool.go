// Package worker runs the task-processing pool: per-queue goroutines
// dequeue tasks, guard them with the idempotency cache, and dispatch them
// to registered handlers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/idempotency"
	"github.com/langgraphsystem/rssnews-sub002/metrics"
	"github.com/langgraphsystem/rssnews-sub002/queue"
)

// Handler processes one task type. The payload is the task's raw JSON.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Config sets the pool shape.
type Config struct {
	// Queues maps queue name to worker count. Empty means one worker on
	// every known queue.
	Queues map[string]int

	// DequeueTimeout bounds each blocking dequeue.
	DequeueTimeout time.Duration

	// ResultTTL is how long completed-task markers are retained.
	ResultTTL time.Duration
}

// DefaultConfig serves batch processing with modest parallelism.
func DefaultConfig() Config {
	return Config{
		Queues: map[string]int{
			queue.QueueEmergency:       1,
			queue.QueueBatchProcessing: 4,
			queue.QueueFeedManagement:  1,
			queue.QueueMaintenance:     1,
			queue.QueueDefault:         1,
		},
		DequeueTimeout: 5 * time.Second,
		ResultTTL:      24 * time.Hour,
	}
}

// Pool is the task worker pool.
type Pool struct {
	cfg      Config
	tasks    *queue.TaskQueue
	idem     *idempotency.Store
	sink     *metrics.Sink
	logger   *logrus.Entry
	handlers map[string]Handler

	wg sync.WaitGroup
}

// NewPool creates the pool. Register handlers before Start.
func NewPool(cfg Config, tasks *queue.TaskQueue, idem *idempotency.Store, sink *metrics.Sink, logger *logrus.Entry) *Pool {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = map[string]int{}
		for _, name := range queue.AllQueues() {
			cfg.Queues[name] = 1
		}
	}
	return &Pool{
		cfg:      cfg,
		tasks:    tasks,
		idem:     idem,
		sink:     sink,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task type.
func (p *Pool) Register(taskType string, h Handler) {
	p.handlers[taskType] = h
}

// Start launches the workers and blocks until the context is cancelled
// and all workers have drained.
func (p *Pool) Start(ctx context.Context) {
	total := 0
	for queueName, count := range p.cfg.Queues {
		for i := 0; i < count; i++ {
			p.wg.Add(1)
			total++
			go p.runWorker(ctx, queueName, i)
		}
	}
	p.logger.WithField("workers", total).Info("worker pool started")
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, queueName string, id int) {
	defer p.wg.Done()
	log := p.logger.WithFields(logrus.Fields{"queue": queueName, "worker": id})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.tasks.Dequeue(ctx, []string{queueName}, p.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}
		p.handle(ctx, log, task)
	}
}

// handle runs one task under the idempotency guard.
func (p *Pool) handle(ctx context.Context, log *logrus.Entry, task *queue.Task) {
	log = log.WithFields(logrus.Fields{"task_id": task.ID, "task_type": task.TaskType})

	handler, ok := p.handlers[task.TaskType]
	if !ok {
		log.Warn("no handler registered, dead-lettering")
		task.Attempt = task.MaxAttempts
		if err := p.tasks.Fail(ctx, task, fmt.Errorf("no handler for %s", task.TaskType)); err != nil {
			log.WithError(err).Warn("failed to dead-letter task")
		}
		return
	}

	key := "task:" + task.ID
	done, err := p.idem.IsCompleted(ctx, key, nil)
	if err != nil {
		log.WithError(err).Warn("idempotency check failed")
	}
	if done {
		log.Debug("task already completed, acking")
		if err := p.tasks.Ack(ctx, task); err != nil {
			log.WithError(err).Warn("failed to ack duplicate task")
		}
		return
	}

	if err := p.idem.MarkInProgress(ctx, key, 15*time.Minute, map[string]string{
		"task_type": task.TaskType,
	}); err != nil {
		if errors.Is(err, common.ErrAlreadyInProgress) {
			// Another replica holds this delivery; put it back for later.
			if failErr := p.tasks.Fail(ctx, task, err); failErr != nil {
				log.WithError(failErr).Warn("failed to requeue in-progress task")
			}
			return
		}
		log.WithError(err).Warn("failed to mark task in progress")
	}

	start := time.Now()
	err = handler(ctx, task.Payload)
	elapsed := time.Since(start)

	if p.sink != nil {
		p.sink.Timing("worker.task.duration", elapsed.Seconds(),
			map[string]string{"task_type": task.TaskType})
	}

	if err != nil {
		log.WithError(err).WithField("attempt", task.Attempt).Warn("task failed")
		if clearErr := p.idem.ClearProgress(ctx, key); clearErr != nil {
			log.WithError(clearErr).Warn("failed to clear progress marker")
		}
		if failErr := p.tasks.Fail(ctx, task, err); failErr != nil {
			log.WithError(failErr).Warn("failed to record task failure")
		}
		if p.sink != nil {
			p.sink.Incr("worker.task.failures", 1,
				map[string]string{"task_type": task.TaskType})
		}
		return
	}

	if err := p.idem.MarkCompleted(ctx, key, map[string]string{
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}, p.cfg.ResultTTL); err != nil {
		log.WithError(err).Warn("failed to mark task completed")
	}
	if err := p.tasks.Ack(ctx, task); err != nil {
		log.WithError(err).Warn("failed to ack task")
	}
	log.WithField("elapsed", elapsed).Debug("task completed")
}
