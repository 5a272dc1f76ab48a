package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/db"
)

// IndexingStage assigns the stable article_id and upserts the denormalized
// index row downstream search reads from.
type IndexingStage struct {
	deps *Deps
}

// NewIndexingStage creates stage 5.
func NewIndexingStage(deps *Deps) *IndexingStage {
	return &IndexingStage{deps: deps}
}

func (s *IndexingStage) Name() string { return "indexing" }

// ArticleID derives the stable index identity from the URL hash and the
// published day, so a re-fetched article maps onto the same row.
func ArticleID(urlHash string, publishedAt time.Time) string {
	return common.SHA256HexPrefix(urlHash+"_"+publishedAt.UTC().Format("20060102"), 16)
}

// Process implements Stage.
func (s *IndexingStage) Process(ctx context.Context, pc *Context, articles []*db.RawArticle) ([]*db.RawArticle, error) {
	out := make([]*db.RawArticle, 0, len(articles))
	for _, a := range articles {
		published := a.FetchedAt
		if a.PublishedAt != nil {
			published = *a.PublishedAt
		}
		a.ArticleID = ArticleID(a.URLHash, published)

		row := &db.ArticleIndexRow{
			ArticleID:          a.ArticleID,
			RawArticleID:       a.ID,
			FeedID:             a.FeedID,
			CanonicalURL:       a.CanonicalURL,
			URLHash:            a.URLHash,
			TextHash:           a.TextHash,
			TitleNorm:          strings.ToLower(a.Title),
			CleanText:          a.CleanText,
			Language:           a.Language,
			LanguageConfidence: a.LanguageConf,
			Category:           a.Category,
			QualityScore:       a.QualityScore,
			QualityFlags:       a.QualityFlags,
			ReadyForChunking:   true,
			ProcessingVersion:  pc.ProcessingVersion,
			PublishedAt:        a.PublishedAt,
			Domain:             a.Domain,
			Title:              a.Title,
			Keywords:           a.Keywords,
		}
		if err := s.deps.Index.Upsert(ctx, row); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
