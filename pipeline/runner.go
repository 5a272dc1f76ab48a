package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/db"
)

// Runner executes the ordered stages over one batch.
type Runner struct {
	deps   *Deps
	stages []Stage
}

// NewRunner builds the standard stage sequence. The semantic deduper is
// attached only when enabled in config.
func NewRunner(deps *Deps, feedStage *FeedHealthStage, deduper SemanticDeduper) *Runner {
	dedup := NewDedupStage(deps)
	if deps.Cfg.Features.SemanticDedup {
		dedup.semantic = deduper
	}
	return &Runner{
		deps: deps,
		stages: []Stage{
			NewValidationStage(deps),
			feedStage,
			dedup,
			NewNormalizationStage(deps),
			NewCleaningStage(deps),
			NewIndexingStage(deps),
			NewChunkingStage(deps),
			NewSearchIndexStage(deps),
			NewDiagnosticsStage(deps),
		},
	}
}

// Run processes the batch end to end. Stage errors fail the batch and are
// returned to the caller for retry accounting.
func (r *Runner) Run(ctx context.Context, pc *Context) error {
	log := r.deps.Logger.WithFields(logrus.Fields{
		"batch_id":       pc.BatchID,
		"correlation_id": pc.CorrelationID,
	})

	articles, err := r.deps.Articles.LoadBatch(ctx, pc.BatchID)
	if err != nil {
		return err
	}
	if err := r.deps.Batches.MarkStarted(ctx, pc.BatchID); err != nil {
		return err
	}
	total := len(articles)
	log.WithField("articles", total).Info("batch processing started")

	for i, stage := range r.stages {
		stageCtx, cancel := context.WithTimeout(ctx, r.deps.Cfg.Pipeline.StageTimeout)
		start := time.Now()
		in := len(articles)

		out, err := stage.Process(stageCtx, pc, articles)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			if r.deps.Sink != nil {
				r.deps.Sink.Incr(fmt.Sprintf("pipeline.stage.%s.error", stage.Name()), 1, nil)
			}
			msg := fmt.Sprintf("stage %s: %v", stage.Name(), err)
			if failErr := r.deps.Batches.Fail(ctx, pc.BatchID, msg); failErr != nil {
				log.WithError(failErr).Warn("failed to mark batch failed")
			}
			return fmt.Errorf("batch %s failed at stage %s: %w", pc.BatchID, stage.Name(), err)
		}

		pc.RecordStage(stage.Name(), StageMetrics{
			In: in, Out: len(out), Rejected: in - len(out),
		}, elapsed)
		if r.deps.Sink != nil {
			r.deps.Sink.Timing(fmt.Sprintf("pipeline.stage.%s.duration", stage.Name()),
				elapsed.Seconds(), nil)
		}
		if err := r.deps.Batches.SetStage(ctx, pc.BatchID, i); err != nil {
			log.WithError(err).Warn("failed to advance batch stage")
		}

		articles = out
		if len(articles) == 0 && i < len(r.stages)-1 {
			log.WithField("stage", stage.Name()).Info("batch drained early")
			// Diagnostics still runs so the batch gets terminal accounting.
			if _, err := r.stages[len(r.stages)-1].Process(ctx, pc, articles); err != nil {
				log.WithError(err).Warn("diagnostics after early drain failed")
			}
			break
		}
	}

	successful := 0
	for _, a := range articles {
		if a.Status == db.ArticleProcessing {
			if err := r.deps.Articles.MarkProcessed(ctx, a.ID, pc.WorkerID); err != nil {
				log.WithError(err).WithField("article_id", a.ID).
					Warn("failed to mark article processed")
				continue
			}
			a.Status = db.ArticleProcessed
		}
		if a.Status == db.ArticleProcessed {
			successful++
		}
	}
	rejected := 0
	for _, n := range pc.Rejections() {
		rejected += n
	}
	failed := total - successful - rejected
	if failed < 0 {
		failed = 0
	}

	elapsed := time.Since(pc.StartedAt)
	if err := r.deps.Batches.Complete(ctx, pc.BatchID, successful, failed, rejected, elapsed); err != nil {
		return err
	}

	if r.deps.Sink != nil {
		r.deps.Sink.Timing("pipeline.batch.duration", elapsed.Seconds(), nil)
		if total > 0 {
			r.deps.Sink.Rate("pipeline.batch.success_rate",
				float64(successful)/float64(total), nil)
		}
	}
	log.WithFields(logrus.Fields{
		"successful": successful,
		"failed":     failed,
		"skipped":    rejected,
		"elapsed":    elapsed,
	}).Info("batch processing completed")
	return nil
}
