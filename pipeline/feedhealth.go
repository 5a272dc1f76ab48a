package pipeline

import (
	"context"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/db"
	"github.com/langgraphsystem/rssnews-sub002/feeds"
)

// FeedHealthStage drops articles whose source feed is unhealthy, over
// quota, or blacklisted, and attaches feed trust/health to the survivors
// for downstream scoring.
type FeedHealthStage struct {
	deps  *Deps
	cache *feeds.HealthCache
}

// NewFeedHealthStage creates stage 1.
func NewFeedHealthStage(deps *Deps, cache *feeds.HealthCache) *FeedHealthStage {
	return &FeedHealthStage{deps: deps, cache: cache}
}

func (s *FeedHealthStage) Name() string { return "feed_health" }

// Process implements Stage.
func (s *FeedHealthStage) Process(ctx context.Context, pc *Context, articles []*db.RawArticle) ([]*db.RawArticle, error) {
	minHealth := s.deps.Cfg.Pipeline.MinHealthScore

	out := make([]*db.RawArticle, 0, len(articles))
	for _, a := range articles {
		feed, err := s.cache.Get(ctx, a.FeedID)
		if err != nil {
			return nil, err
		}
		if feed == nil || feed.Blacklisted {
			s.deps.reject(ctx, pc, a, db.ArticleRejected, string(common.RejectDomainBlacklist))
			continue
		}
		if feed.HealthScore < minHealth {
			s.deps.reject(ctx, pc, a, db.ArticleRejected, string(common.RejectLowQuality))
			continue
		}
		if feed.QuotaExhausted() {
			s.deps.reject(ctx, pc, a, db.ArticleRejected, string(common.RejectFeedQuota))
			continue
		}
		a.FeedTrust = feed.TrustScore
		a.FeedHealth = feed.HealthScore
		out = append(out, a)
	}
	return out, nil
}
