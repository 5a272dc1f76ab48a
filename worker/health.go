package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/langgraphsystem/rssnews-sub002/db"
	"github.com/langgraphsystem/rssnews-sub002/queue"
)

// Health status values, ordered by severity.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthReport is the aggregated dependency check result.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Depths map[string]int64  `json:"queue_depths,omitempty"`
	At     time.Time         `json:"at"`
}

// HealthChecker probes the worker's dependencies.
type HealthChecker struct {
	pg    *db.PostgresDB
	kv    *redis.Client
	tasks *queue.TaskQueue
}

// NewHealthChecker creates the checker. tasks may be nil.
func NewHealthChecker(pg *db.PostgresDB, kv *redis.Client, tasks *queue.TaskQueue) *HealthChecker {
	return &HealthChecker{pg: pg, kv: kv, tasks: tasks}
}

// Check probes Postgres, Redis, and the queue backlog. Any failed probe
// makes the report unhealthy; a deep backlog alone degrades it.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	report := HealthReport{
		Status: StatusHealthy,
		Checks: make(map[string]string),
		At:     time.Now().UTC(),
	}

	if err := h.pg.Ping(ctx); err != nil {
		report.Checks["postgres"] = err.Error()
		report.Status = StatusUnhealthy
	} else {
		report.Checks["postgres"] = "ok"
	}

	if err := h.kv.Ping(ctx).Err(); err != nil {
		report.Checks["redis"] = err.Error()
		report.Status = StatusUnhealthy
	} else {
		report.Checks["redis"] = "ok"
	}

	if h.tasks != nil && report.Status != StatusUnhealthy {
		depths, err := h.tasks.Depths(ctx)
		if err != nil {
			report.Checks["queues"] = err.Error()
			report.Status = StatusDegraded
		} else {
			report.Depths = depths
			report.Checks["queues"] = "ok"
			if depths["dead"] > 100 || depths[queue.QueueBatchProcessing] > 10000 {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// ExitCode maps a report onto the CLI convention: 0 healthy, 1 degraded,
// 2 unhealthy.
func (r HealthReport) ExitCode() int {
	switch r.Status {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}
