package pipeline

import (
	"context"
	"strings"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/db"
)

// SemanticDeduper is the optional near-duplicate detector hook. The
// default pipeline runs without one; hash dedup alone decides.
type SemanticDeduper interface {
	// FindSimilar returns the article_id of a prior near-duplicate and its
	// similarity in [0,1], or "" when none crosses the threshold.
	FindSimilar(ctx context.Context, a *db.RawArticle) (string, float64, error)
}

// DedupStage rejects articles already present in the index by URL hash or
// content hash within the dedup window.
type DedupStage struct {
	deps     *Deps
	semantic SemanticDeduper
}

// NewDedupStage creates stage 2.
func NewDedupStage(deps *Deps) *DedupStage {
	return &DedupStage{deps: deps}
}

func (s *DedupStage) Name() string { return "deduplication" }

// Process implements Stage.
func (s *DedupStage) Process(ctx context.Context, pc *Context, articles []*db.RawArticle) ([]*db.RawArticle, error) {
	out := make([]*db.RawArticle, 0, len(articles))
	for _, a := range articles {
		if content := strings.TrimSpace(a.Content); content != "" {
			a.TextHash = common.SHA256Hex(content)
		}

		original, err := s.deps.Index.FindByURLHash(ctx, a.URLHash)
		if err != nil {
			return nil, err
		}
		if original != "" {
			a.DupOriginalID = original
			a.DupSimilarity = 1.0
			s.deps.reject(ctx, pc, a, db.ArticleDuplicate, string(common.RejectDuplicateURL))
			continue
		}

		if a.TextHash != "" {
			original, err = s.deps.Index.FindByTextHash(ctx, a.TextHash)
			if err != nil {
				return nil, err
			}
			if original != "" {
				a.DupOriginalID = original
				a.DupSimilarity = 1.0
				s.deps.reject(ctx, pc, a, db.ArticleDuplicate, string(common.RejectDuplicateContent))
				continue
			}
		}

		if s.semantic != nil {
			original, similarity, err := s.semantic.FindSimilar(ctx, a)
			if err != nil {
				// Semantic detection is advisory; hash results already
				// passed, so keep the article.
				s.deps.Logger.WithError(err).WithField("article_id", a.ID).
					Warn("semantic dedup check failed")
			} else if original != "" {
				a.DupOriginalID = original
				a.DupSimilarity = similarity
				s.deps.reject(ctx, pc, a, db.ArticleDuplicate, string(common.RejectDuplicateContent))
				continue
			}
		}

		out = append(out, a)
	}
	return out, nil
}
