// Package scheduler runs the leader-elected control loops: periodic batch
// creation, emergency backlog monitoring, orphan recovery, and hourly
// maintenance. Exactly one replica drives the loops at a time; the others
// idle on the leader lock.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/db"
	"github.com/langgraphsystem/rssnews-sub002/locks"
	"github.com/langgraphsystem/rssnews-sub002/metrics"
	"github.com/langgraphsystem/rssnews-sub002/queue"
)

const (
	leaderLockKey = "scheduler:leader"
	leaderLockTTL = 90 * time.Second

	batchInterval       = 30 * time.Second
	emergencyInterval   = 60 * time.Second
	sweepInterval       = 5 * time.Minute
	maintenanceInterval = time.Hour

	// Queue depth thresholds driving batch priority.
	depthHigh   = 5000
	depthNormal = 1000

	// emergencyIdle is how long without a batch before the backlog check
	// escalates.
	emergencyIdle = 5 * time.Minute
)

// Scheduler owns the control loops.
type Scheduler struct {
	workerID string
	articles *db.ArticleStore
	batches  *db.BatchStore
	tasks    *queue.TaskQueue
	lockMgr  *locks.Manager
	sink     *metrics.Sink
	logger   *logrus.Entry

	lastQuotaResetDay string
}

// New creates a scheduler.
func New(workerID string, articles *db.ArticleStore, batches *db.BatchStore,
	tasks *queue.TaskQueue, lockMgr *locks.Manager, sink *metrics.Sink, logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		workerID: workerID,
		articles: articles,
		batches:  batches,
		tasks:    tasks,
		lockMgr:  lockMgr,
		sink:     sink,
		logger:   logger,
	}
}

// Run blocks until the context is cancelled. It re-contests leadership
// whenever the lock is lost.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		handle, outcome, err := s.lockMgr.Acquire(ctx, leaderLockKey, s.workerID,
			leaderLockTTL, locks.Options{Type: locks.Exclusive, AutoRenew: true})
		if outcome != locks.Acquired {
			if err != nil && outcome == locks.Errored {
				s.logger.WithError(err).Warn("leader election failed")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(leaderLockTTL / 3):
			}
			continue
		}

		s.logger.Info("scheduler leadership acquired")
		s.lead(ctx)
		if _, err := s.lockMgr.Release(context.Background(), handle); err != nil {
			s.logger.WithError(err).Warn("failed to release leader lock")
		}
		s.logger.Info("scheduler leadership released")
	}
}

// lead runs the loops until the context ends.
func (s *Scheduler) lead(ctx context.Context) {
	batchTicker := time.NewTicker(batchInterval)
	emergencyTicker := time.NewTicker(emergencyInterval)
	sweepTicker := time.NewTicker(sweepInterval)
	maintenanceTicker := time.NewTicker(maintenanceInterval)
	defer batchTicker.Stop()
	defer emergencyTicker.Stop()
	defer sweepTicker.Stop()
	defer maintenanceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-batchTicker.C:
			s.scheduleBatch(ctx)
		case <-emergencyTicker.C:
			s.checkEmergency(ctx)
		case <-sweepTicker.C:
			s.sweep(ctx)
		case <-maintenanceTicker.C:
			s.maintain(ctx)
		}
	}
}

// scheduleBatch enqueues a batch creation task with priority derived from
// the pending backlog.
func (s *Scheduler) scheduleBatch(ctx context.Context) {
	depth, err := s.articles.PendingDepth(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read backlog depth")
		return
	}
	if s.sink != nil {
		s.sink.Gauge("scheduler.pending_depth", float64(depth), nil)
	}
	if depth == 0 {
		return
	}

	priority := db.PriorityLow
	switch {
	case depth > depthHigh:
		priority = db.PriorityHigh
	case depth > depthNormal:
		priority = db.PriorityNormal
	}

	task, err := queue.NewTask(queue.TaskCreateBatch, queue.QueueBatchProcessing,
		map[string]string{"priority": priority}, 3)
	if err != nil {
		s.logger.WithError(err).Warn("failed to build batch task")
		return
	}
	if err := s.tasks.Enqueue(ctx, task); err != nil {
		s.logger.WithError(err).Warn("failed to enqueue batch task")
	}
}

// checkEmergency escalates when the backlog is deep and batch creation
// has stalled.
func (s *Scheduler) checkEmergency(ctx context.Context) {
	depth, err := s.articles.PendingDepth(ctx)
	if err != nil || depth <= depthNormal {
		return
	}
	last, err := s.batches.LastCreatedAt(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read last batch time")
		return
	}
	if last != nil && time.Since(*last) < emergencyIdle {
		return
	}

	s.logger.WithField("depth", depth).Warn("backlog stalled, scheduling emergency batch")
	task, err := queue.NewTask(queue.TaskEmergencyBatch, queue.QueueEmergency,
		map[string]string{"priority": db.PriorityCritical}, 3)
	if err != nil {
		return
	}
	if err := s.tasks.Enqueue(ctx, task); err != nil {
		s.logger.WithError(err).Warn("failed to enqueue emergency batch")
		return
	}
	if s.sink != nil {
		s.sink.Incr("scheduler.emergency_batches", 1, nil)
	}
}

// sweep recovers work lost to dead workers: lapsed article leases, their
// orphaned batches, and unacked queue tasks.
func (s *Scheduler) sweep(ctx context.Context) {
	batchIDs, released, err := s.articles.ReleaseExpired(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to release expired leases")
	} else if released > 0 {
		s.logger.WithField("articles", released).Info("released expired article leases")
		if s.sink != nil {
			s.sink.Incr("scheduler.leases_released", float64(released), nil)
		}
		for _, batchID := range batchIDs {
			if err := s.batches.Fail(ctx, batchID, "worker lease expired"); err != nil {
				s.logger.WithError(err).WithField("batch_id", batchID).
					Warn("failed to fail orphaned batch")
			}
		}
	}

	recovered, err := s.tasks.ReapProcessing(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to reap processing tasks")
	} else if recovered > 0 {
		s.logger.WithField("tasks", recovered).Info("recovered unacked tasks")
	}
}

// maintain enqueues the hourly housekeeping tasks and the daily quota
// reset at the UTC day boundary.
func (s *Scheduler) maintain(ctx context.Context) {
	for _, taskType := range []string{queue.TaskCleanupLocks, queue.TaskFeedHealthCheck} {
		task, err := queue.NewTask(taskType, queue.QueueMaintenance, nil, 2)
		if err != nil {
			continue
		}
		if err := s.tasks.Enqueue(ctx, task); err != nil {
			s.logger.WithError(err).WithField("task_type", taskType).
				Warn("failed to enqueue maintenance task")
		}
	}

	today := time.Now().UTC().Format("2006-01-02")
	if s.lastQuotaResetDay != today {
		task, err := queue.NewTask(queue.TaskResetFeedQuotas, queue.QueueMaintenance, nil, 2)
		if err == nil && s.tasks.Enqueue(ctx, task) == nil {
			s.lastQuotaResetDay = today
		}
	}
}
