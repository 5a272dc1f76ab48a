package feeds

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/db"
	"github.com/langgraphsystem/rssnews-sub002/metrics"
)

// HealthJob recomputes feed health scores from recent article outcomes and
// resets daily quota counters. Run by the scheduler's maintenance loop.
type HealthJob struct {
	feeds    *db.FeedStore
	articles *db.ArticleStore
	cache    *HealthCache
	sink     *metrics.Sink
	logger   *logrus.Entry
}

// NewHealthJob creates the job. cache and sink may be nil.
func NewHealthJob(feeds *db.FeedStore, articles *db.ArticleStore, cache *HealthCache, sink *metrics.Sink, logger *logrus.Entry) *HealthJob {
	return &HealthJob{feeds: feeds, articles: articles, cache: cache, sink: sink, logger: logger}
}

// Rescore recomputes health_score, error_rate_24h, and duplicate_rate_24h
// for every active feed from the last 24 hours of outcomes. Returns the
// number of feeds updated.
func (j *HealthJob) Rescore(ctx context.Context) (int, error) {
	active, err := j.feeds.ActiveFeeds(ctx)
	if err != nil {
		return 0, err
	}
	stats, err := j.articles.FeedStatsByWindow(ctx, 24*time.Hour)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, f := range active {
		st := stats[f.ID]
		var errRate, dupRate float64
		if st.Total > 0 {
			errRate = float64(st.Failed) / float64(st.Total)
			dupRate = float64(st.Duplicates) / float64(st.Total)
		}
		health := healthScore(f, errRate, dupRate)
		if err := j.feeds.UpdateHealth(ctx, f.ID, health, errRate, dupRate); err != nil {
			j.logger.WithError(err).WithField("feed_id", f.ID).Warn("failed to update feed health")
			continue
		}
		updated++
	}

	if j.cache != nil {
		if err := j.cache.Refresh(ctx); err != nil {
			j.logger.WithError(err).Warn("failed to refresh feed cache after rescore")
		}
	}
	if j.sink != nil {
		j.sink.Gauge("feeds.rescored", float64(updated), nil)
	}
	j.logger.WithField("feeds", updated).Info("feed health rescore complete")
	return updated, nil
}

// ResetQuotas zeroes the daily counters. Idempotent; run once per UTC day.
func (j *HealthJob) ResetQuotas(ctx context.Context) error {
	n, err := j.feeds.ResetDailyCounters(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset feed quotas: %w", err)
	}
	if j.sink != nil {
		j.sink.Incr("feeds.quota_resets", float64(n), nil)
	}
	j.logger.WithField("feeds", n).Info("daily feed quotas reset")
	return nil
}

// healthScore derives a [0, 100] score. Each signal erodes the full score;
// long failure streaks dominate.
func healthScore(f *db.Feed, errRate, dupRate float64) float64 {
	score := 100.0
	score -= errRate * 60
	score -= dupRate * 25
	score -= float64(f.ConsecutiveFailures) * 10
	if f.AvgResponseMs > 5000 {
		score -= 10
	}
	if score < 0 {
		return 0
	}
	return score
}
