package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/langgraphsystem/rssnews-sub002/db"
)

// Alert thresholds evaluated per batch.
const (
	alertErrorRate   = 0.1
	alertDurationSec = 300.0
	alertSuccessRate = 0.8
)

// DiagnosticsStage aggregates what happened to the batch: distributions,
// quality percentiles, per-stage flow, and threshold alerts.
type DiagnosticsStage struct {
	deps *Deps
}

// NewDiagnosticsStage creates stage 8.
func NewDiagnosticsStage(deps *Deps) *DiagnosticsStage {
	return &DiagnosticsStage{deps: deps}
}

func (s *DiagnosticsStage) Name() string { return "diagnostics" }

// Process implements Stage. It always passes articles through unchanged.
func (s *DiagnosticsStage) Process(ctx context.Context, pc *Context, articles []*db.RawArticle) ([]*db.RawArticle, error) {
	elapsed := time.Since(pc.StartedAt)
	stageMetrics := pc.StageMetricsSnapshot()
	timings := pc.StageTimings()
	rejections := pc.Rejections()

	// Per-stage diagnostic rows.
	for name, m := range stageMetrics {
		durationMs := int64(timings[name] * 1000)
		diag := &db.BatchDiagnostic{
			BatchID:     pc.BatchID,
			Stage:       name,
			ArticlesIn:  m.In,
			ArticlesOut: m.Out,
			Rejected:    m.Rejected,
			Errors:      m.Errors,
			SuccessRate: m.SuccessRate,
			DurationMs:  durationMs,
		}
		if err := s.deps.Batches.SaveDiagnostic(ctx, diag); err != nil {
			return nil, err
		}
	}

	// Batch-level summary row.
	summary := s.summarize(pc, articles, rejections, elapsed)
	if err := s.deps.Batches.SaveDiagnostic(ctx, &db.BatchDiagnostic{
		BatchID:     pc.BatchID,
		Stage:       "summary",
		ArticlesIn:  initialCount(stageMetrics),
		ArticlesOut: len(articles),
		Rejected:    totalRejections(rejections),
		SuccessRate: successRate(stageMetrics, len(articles)),
		DurationMs:  elapsed.Milliseconds(),
		Details:     summary,
	}); err != nil {
		return nil, err
	}

	s.emitMetrics(pc, articles, elapsed)
	s.raiseAlerts(ctx, pc, stageMetrics, rejections, len(articles), elapsed)
	return articles, nil
}

// summarize builds the JSONB details payload of the summary row.
func (s *DiagnosticsStage) summarize(pc *Context, articles []*db.RawArticle, rejections map[string]int, elapsed time.Duration) map[string]interface{} {
	languages := make(map[string]int)
	categories := make(map[string]int)
	domains := make(map[string]int)
	qualities := make([]float64, 0, len(articles))
	for _, a := range articles {
		languages[a.Language]++
		categories[a.Category]++
		domains[a.Domain]++
		qualities = append(qualities, a.QualityScore)
	}

	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(len(articles)) / elapsed.Seconds()
	}

	return map[string]interface{}{
		"languages":           languages,
		"categories":          categories,
		"domains":             domains,
		"quality_percentiles": percentiles(qualities),
		"rejections":          rejections,
		"stage_timings_sec":   pc.StageTimings(),
		"throughput_per_sec":  throughput,
		"worker_id":           pc.WorkerID,
		"trace_id":            pc.TraceID,
	}
}

func (s *DiagnosticsStage) emitMetrics(pc *Context, articles []*db.RawArticle, elapsed time.Duration) {
	if s.deps.Sink == nil {
		return
	}
	if elapsed > 0 {
		s.deps.Sink.Rate("pipeline.throughput",
			float64(len(articles))/elapsed.Seconds(), nil)
	}
	for reason, n := range pc.Rejections() {
		s.deps.Sink.Incr("pipeline.batch.rejections", float64(n),
			map[string]string{"reason": reason})
	}
}

// raiseAlerts persists alert events for threshold breaches.
func (s *DiagnosticsStage) raiseAlerts(ctx context.Context, pc *Context, stageMetrics map[string]StageMetrics, rejections map[string]int, survivors int, elapsed time.Duration) {
	in := initialCount(stageMetrics)
	if in == 0 {
		return
	}

	errorRate := float64(totalRejections(rejections)) / float64(in)
	rate := successRate(stageMetrics, survivors)

	var alerts []*db.AlertEvent
	if errorRate > alertErrorRate {
		alerts = append(alerts, &db.AlertEvent{
			Source:   "pipeline",
			Severity: "warning",
			Message:  fmt.Sprintf("batch error rate %.2f exceeds %.2f", errorRate, alertErrorRate),
			BatchID:  pc.BatchID,
		})
	}
	if elapsed.Seconds() > alertDurationSec {
		alerts = append(alerts, &db.AlertEvent{
			Source:   "pipeline",
			Severity: "warning",
			Message:  fmt.Sprintf("batch took %.0fs, over %.0fs budget", elapsed.Seconds(), alertDurationSec),
			BatchID:  pc.BatchID,
		})
	}
	if rate < alertSuccessRate {
		alerts = append(alerts, &db.AlertEvent{
			Source:   "pipeline",
			Severity: "critical",
			Message:  fmt.Sprintf("batch success rate %.2f below %.2f", rate, alertSuccessRate),
			BatchID:  pc.BatchID,
		})
	}

	for _, alert := range alerts {
		if err := s.deps.Metrics.SaveAlert(ctx, alert); err != nil {
			s.deps.Logger.WithError(err).Warn("failed to persist alert")
		}
		if s.deps.Sink != nil {
			s.deps.Sink.Incr("pipeline.alerts", 1, map[string]string{"severity": alert.Severity})
		}
		s.deps.Logger.WithField("batch_id", pc.BatchID).
			WithField("severity", alert.Severity).Warn(alert.Message)
	}
}

// percentiles returns p50/p90/p99 of the samples.
func percentiles(samples []float64) map[string]float64 {
	if len(samples) == 0 {
		return map[string]float64{"p50": 0, "p90": 0, "p99": 0}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	at := func(p float64) float64 {
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return map[string]float64{"p50": at(0.50), "p90": at(0.90), "p99": at(0.99)}
}

func initialCount(stageMetrics map[string]StageMetrics) int {
	if m, ok := stageMetrics["validation"]; ok {
		return m.In
	}
	return 0
}

func totalRejections(rejections map[string]int) int {
	total := 0
	for _, n := range rejections {
		total += n
	}
	return total
}

func successRate(stageMetrics map[string]StageMetrics, survivors int) float64 {
	in := initialCount(stageMetrics)
	if in == 0 {
		return 0
	}
	return float64(survivors) / float64(in)
}
