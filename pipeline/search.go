package pipeline

import (
	"context"

	"github.com/langgraphsystem/rssnews-sub002/db"
)

// SearchIndexStage materializes the weighted search vectors and flags the
// article as fully indexed.
type SearchIndexStage struct {
	deps *Deps
}

// NewSearchIndexStage creates stage 7.
func NewSearchIndexStage(deps *Deps) *SearchIndexStage {
	return &SearchIndexStage{deps: deps}
}

func (s *SearchIndexStage) Name() string { return "search_indexing" }

// Process implements Stage.
func (s *SearchIndexStage) Process(ctx context.Context, pc *Context, articles []*db.RawArticle) ([]*db.RawArticle, error) {
	out := make([]*db.RawArticle, 0, len(articles))
	for _, a := range articles {
		if err := s.deps.Index.UpdateSearchVector(ctx, a.ArticleID); err != nil {
			return nil, err
		}
		missing, err := s.deps.Index.CountChunksMissingVectors(ctx, a.ArticleID)
		if err != nil {
			return nil, err
		}
		if missing > 0 {
			s.deps.Logger.WithField("article_id", a.ArticleID).
				WithField("chunks", missing).
				Warn("chunks missing search vectors")
			if s.deps.Sink != nil {
				s.deps.Sink.Incr("pipeline.chunks_missing_vectors", float64(missing), nil)
			}
		}
		out = append(out, a)
	}
	return out, nil
}
