package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/backpressure"
	"github.com/langgraphsystem/rssnews-sub002/config"
	"github.com/langgraphsystem/rssnews-sub002/db"
	"github.com/langgraphsystem/rssnews-sub002/feeds"
	"github.com/langgraphsystem/rssnews-sub002/locks"
	"github.com/langgraphsystem/rssnews-sub002/pipeline"
	"github.com/langgraphsystem/rssnews-sub002/planner"
	"github.com/langgraphsystem/rssnews-sub002/queue"
)

// batchTaskPayload is the payload of create_batch and emergency_batch
// tasks; processPayload carries a planned batch to process_batch.
type batchTaskPayload struct {
	Priority      string `json:"priority,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type processPayload struct {
	BatchID       string `json:"batch_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Handlers owns the task implementations behind the pool.
type Handlers struct {
	cfg       *config.Config
	planner   *planner.Planner
	runner    *pipeline.Runner
	history   *planner.History
	monitor   *backpressure.Monitor
	lockMgr   *locks.Manager
	healthJob *feeds.HealthJob
	batches   *db.BatchStore
	tasks     *queue.TaskQueue
	logger    *logrus.Entry
}

// NewHandlers wires the task implementations.
func NewHandlers(cfg *config.Config, pl *planner.Planner, runner *pipeline.Runner,
	history *planner.History, monitor *backpressure.Monitor, lockMgr *locks.Manager,
	healthJob *feeds.HealthJob, batches *db.BatchStore, tasks *queue.TaskQueue,
	logger *logrus.Entry) *Handlers {
	return &Handlers{
		cfg:       cfg,
		planner:   pl,
		runner:    runner,
		history:   history,
		monitor:   monitor,
		lockMgr:   lockMgr,
		healthJob: healthJob,
		batches:   batches,
		tasks:     tasks,
		logger:    logger,
	}
}

// RegisterAll binds every task type onto the pool.
func (h *Handlers) RegisterAll(pool *Pool) {
	pool.Register(queue.TaskCreateBatch, h.CreateBatch)
	pool.Register(queue.TaskEmergencyBatch, h.EmergencyBatch)
	pool.Register(queue.TaskProcessBatch, h.ProcessBatch)
	pool.Register(queue.TaskCleanupLocks, h.CleanupLocks)
	pool.Register(queue.TaskFeedHealthCheck, h.FeedHealthCheck)
	pool.Register(queue.TaskResetFeedQuotas, h.ResetFeedQuotas)
}

// CreateBatch plans one batch and hands it to the processing queue.
func (h *Handlers) CreateBatch(ctx context.Context, payload json.RawMessage) error {
	var p batchTaskPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to decode batch payload: %w", err)
		}
	}
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.NewString()
	}

	batchID, err := h.planner.CreateBatch(ctx, h.cfg.WorkerID, p.CorrelationID, p.Priority)
	if err != nil {
		return err
	}
	if batchID == "" {
		return nil
	}
	return h.enqueueProcess(ctx, batchID, p.CorrelationID)
}

// EmergencyBatch is CreateBatch at critical priority; the emergency queue
// gets it processed ahead of everything else.
func (h *Handlers) EmergencyBatch(ctx context.Context, payload json.RawMessage) error {
	var p batchTaskPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to decode batch payload: %w", err)
		}
	}
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.NewString()
	}

	batchID, err := h.planner.CreateBatch(ctx, h.cfg.WorkerID, p.CorrelationID, db.PriorityCritical)
	if err != nil {
		return err
	}
	if batchID == "" {
		return nil
	}

	task, err := queue.NewTask(queue.TaskProcessBatch, queue.QueueEmergency,
		processPayload{BatchID: batchID, CorrelationID: p.CorrelationID}, 3)
	if err != nil {
		return err
	}
	return h.tasks.Enqueue(ctx, task)
}

func (h *Handlers) enqueueProcess(ctx context.Context, batchID, correlationID string) error {
	task, err := queue.NewTask(queue.TaskProcessBatch, queue.QueueBatchProcessing,
		processPayload{BatchID: batchID, CorrelationID: correlationID}, 3)
	if err != nil {
		return err
	}
	return h.tasks.Enqueue(ctx, task)
}

// ProcessBatch runs the pipeline over a planned batch and feeds the
// outcome back into sizing history and the backpressure monitor.
func (h *Handlers) ProcessBatch(ctx context.Context, payload json.RawMessage) error {
	var p processPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to decode process payload: %w", err)
	}
	if p.BatchID == "" {
		return fmt.Errorf("process task missing batch_id")
	}

	runCtx, cancel := context.WithTimeout(ctx, h.cfg.Pipeline.BatchHardDeadline)
	defer cancel()

	pc := pipeline.NewContext(p.BatchID, h.cfg.WorkerID, p.CorrelationID,
		uuid.NewString(), h.cfg.Pipeline.ProcessingVersion)
	err := h.runner.Run(runCtx, pc)

	if h.monitor != nil {
		h.monitor.RecordOutcome(err == nil)
	}
	h.recordObservation(ctx, p.BatchID, err == nil)
	return err
}

// recordObservation feeds the planner's sizing history from the completed
// batch row.
func (h *Handlers) recordObservation(ctx context.Context, batchID string, ok bool) {
	if h.history == nil {
		return
	}
	batch, err := h.batches.Get(ctx, batchID)
	if err != nil {
		h.logger.WithError(err).WithField("batch_id", batchID).
			Warn("failed to load batch for sizing history")
		return
	}

	successRate := 0.0
	if ok && batch.ArticlesTotal > 0 {
		successRate = float64(batch.ArticlesSuccessful) / float64(batch.ArticlesTotal)
	}
	load := 0.0
	if v, exists := batch.ProcessingConfig["load_factor"]; exists {
		if f, isFloat := v.(float64); isFloat {
			load = f
		}
	}
	if err := h.history.Record(ctx, planner.Observation{
		LoadFactor:  load,
		Size:        batch.ArticlesTotal,
		SuccessRate: successRate,
		At:          time.Now().UTC(),
	}); err != nil {
		h.logger.WithError(err).Warn("failed to record sizing observation")
	}
}

// CleanupLocks sweeps expired distributed locks.
func (h *Handlers) CleanupLocks(ctx context.Context, _ json.RawMessage) error {
	removed, err := h.lockMgr.SweepExpired(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		h.logger.WithField("locks", removed).Info("swept expired locks")
	}
	return nil
}

// FeedHealthCheck rescores feeds from recent outcomes.
func (h *Handlers) FeedHealthCheck(ctx context.Context, _ json.RawMessage) error {
	_, err := h.healthJob.Rescore(ctx)
	return err
}

// ResetFeedQuotas zeroes the daily feed counters.
func (h *Handlers) ResetFeedQuotas(ctx context.Context, _ json.RawMessage) error {
	return h.healthJob.ResetQuotas(ctx)
}
