// Package pipeline drives a claimed batch of articles through the ordered
// processing stages: validation, feed health, deduplication,
// normalization, cleaning, indexing, chunking, search indexing, and
// diagnostics.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/config"
	"github.com/langgraphsystem/rssnews-sub002/db"
	"github.com/langgraphsystem/rssnews-sub002/metrics"
)

// StageMetrics is the per-stage flow accounting carried in the context.
type StageMetrics struct {
	In          int
	Out         int
	Rejected    int
	Errors      int
	SuccessRate float64
}

// Context is the batch-scoped state threaded through every stage.
type Context struct {
	BatchID           string
	WorkerID          string
	CorrelationID     string
	TraceID           string
	ProcessingVersion string
	StartedAt         time.Time

	mu           sync.Mutex
	stageTimings map[string]float64
	stageMetrics map[string]StageMetrics
	rejections   map[string]int
}

// NewContext creates the stage context for one batch run.
func NewContext(batchID, workerID, correlationID, traceID, version string) *Context {
	return &Context{
		BatchID:           batchID,
		WorkerID:          workerID,
		CorrelationID:     correlationID,
		TraceID:           traceID,
		ProcessingVersion: version,
		StartedAt:         time.Now().UTC(),
		stageTimings:      make(map[string]float64),
		stageMetrics:      make(map[string]StageMetrics),
		rejections:        make(map[string]int),
	}
}

// RecordStage stores the flow accounting and timing for one stage.
func (c *Context) RecordStage(name string, m StageMetrics, elapsed time.Duration) {
	if m.In > 0 {
		m.SuccessRate = float64(m.Out) / float64(m.In)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stageTimings[name] = elapsed.Seconds()
	c.stageMetrics[name] = m
}

// RecordRejection counts one rejection by taxonomy reason.
func (c *Context) RecordRejection(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejections[reason]++
}

// StageTimings returns a copy of the per-stage elapsed seconds.
func (c *Context) StageTimings() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.stageTimings))
	for k, v := range c.stageTimings {
		out[k] = v
	}
	return out
}

// StageMetricsSnapshot returns a copy of the per-stage flow accounting.
func (c *Context) StageMetricsSnapshot() map[string]StageMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]StageMetrics, len(c.stageMetrics))
	for k, v := range c.stageMetrics {
		out[k] = v
	}
	return out
}

// Rejections returns a copy of the rejection counts by reason.
func (c *Context) Rejections() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.rejections))
	for k, v := range c.rejections {
		out[k] = v
	}
	return out
}

// Stage is one step of the pipeline. Process returns the surviving
// articles; rejected ones are transitioned in place, never deleted.
type Stage interface {
	Name() string
	Process(ctx context.Context, pc *Context, articles []*db.RawArticle) ([]*db.RawArticle, error)
}

// Deps bundles what the stages need. Individual stages use a subset.
type Deps struct {
	Cfg      *config.Config
	Articles *db.ArticleStore
	Index    *db.IndexStore
	Metrics  *db.MetricsStore
	Batches  *db.BatchStore
	Sink     *metrics.Sink
	Logger   *logrus.Entry
}

// reject transitions one article to a terminal rejected state and records
// the taxonomy reason. Failures are logged, not propagated: a rejection
// that cannot be persisted must not abort the batch.
func (d *Deps) reject(ctx context.Context, pc *Context, a *db.RawArticle, status, reason string) {
	a.Status = status
	a.RejectReason = reason
	pc.RecordRejection(reason)
	if d.Sink != nil {
		d.Sink.Incr("pipeline.rejections", 1, map[string]string{"reason": reason})
	}
	owner := pc.WorkerID
	if err := d.Articles.MarkRejected(ctx, a.ID, owner, status, reason, a.DupOriginalID, a.DupSimilarity); err != nil {
		d.Logger.WithError(err).WithFields(logrus.Fields{
			"article_id": a.ID, "reason": reason,
		}).Warn("failed to persist rejection")
	}
}
