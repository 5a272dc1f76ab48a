package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DedupWindow is how long url/text hashes block re-ingestion.
const DedupWindow = 30 * 24 * time.Hour

// IndexStore handles articles_index and article_chunks persistence.
type IndexStore struct {
	db *PostgresDB
}

// NewIndexStore creates an index store.
func NewIndexStore(db *PostgresDB) *IndexStore {
	return &IndexStore{db: db}
}

// FindByURLHash returns the article_id of a live index row with the given
// url_hash within the dedup window, or "" when none exists.
func (s *IndexStore) FindByURLHash(ctx context.Context, urlHash string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT article_id FROM articles_index
		WHERE url_hash = $1 AND created_at > NOW() - $2::interval
		ORDER BY created_at DESC LIMIT 1`,
		urlHash, DedupWindow.String()).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up url hash: %w", err)
	}
	return id, nil
}

// FindByTextHash returns the article_id of an index row with the given
// text_hash within the dedup window, or "" when none exists.
func (s *IndexStore) FindByTextHash(ctx context.Context, textHash string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT article_id FROM articles_index
		WHERE text_hash = $1 AND created_at > NOW() - $2::interval
		ORDER BY created_at DESC LIMIT 1`,
		textHash, DedupWindow.String()).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up text hash: %w", err)
	}
	return id, nil
}

// Upsert writes an index row. On article_id conflict only the mutable
// fields move: updated_at, processing_version, and the extraction outputs.
func (s *IndexStore) Upsert(ctx context.Context, r *ArticleIndexRow) error {
	query := `
		INSERT INTO articles_index (article_id, raw_article_id, feed_id,
		        canonical_url, url_hash, text_hash, title_norm, clean_text,
		        language, language_confidence, category, quality_score,
		        quality_flags, is_duplicate, dup_reason, dup_original_id,
		        dup_similarity_score, ready_for_chunking, chunking_completed,
		        indexing_completed, processing_version, published_at, domain,
		        title, tags, keywords, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11,
		        $12, $13, $14, NULLIF($15, ''), NULLIF($16, ''), $17, $18,
		        $19, $20, $21, $22, $23, $24, $25, $26, NOW())
		ON CONFLICT (article_id) DO UPDATE SET
		        clean_text = EXCLUDED.clean_text,
		        title_norm = EXCLUDED.title_norm,
		        language = EXCLUDED.language,
		        language_confidence = EXCLUDED.language_confidence,
		        category = EXCLUDED.category,
		        quality_score = EXCLUDED.quality_score,
		        quality_flags = EXCLUDED.quality_flags,
		        ready_for_chunking = EXCLUDED.ready_for_chunking,
		        processing_version = EXCLUDED.processing_version,
		        keywords = EXCLUDED.keywords,
		        updated_at = NOW()`

	err := s.db.Exec(ctx, query, r.ArticleID, r.RawArticleID, r.FeedID,
		r.CanonicalURL, r.URLHash, r.TextHash, r.TitleNorm, r.CleanText,
		r.Language, r.LanguageConfidence, r.Category, r.QualityScore,
		r.QualityFlags, r.IsDuplicate, r.DupReason, r.DupOriginalID,
		r.DupSimilarityScore, r.ReadyForChunking, r.ChunkingCompleted,
		r.IndexingCompleted, r.ProcessingVersion, r.PublishedAt, r.Domain,
		r.Title, r.Tags, r.Keywords)
	if err != nil {
		return fmt.Errorf("failed to upsert index row %s: %w", r.ArticleID, err)
	}
	return nil
}

// UpsertChunks writes an article's chunks in one batch, replacing rows on
// (article_id, chunk_index) conflicts.
func (s *IndexStore) UpsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO article_chunks (article_id, chunk_index, text, text_clean,
		        word_count, char_count, char_start, char_end, semantic_type,
		        importance_score, chunk_strategy, title, domain, published_at,
		        language, category, quality_score, search_vector)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, to_tsvector('simple', $4))
		ON CONFLICT (article_id, chunk_index) DO UPDATE SET
		        text = EXCLUDED.text,
		        text_clean = EXCLUDED.text_clean,
		        word_count = EXCLUDED.word_count,
		        char_count = EXCLUDED.char_count,
		        char_start = EXCLUDED.char_start,
		        char_end = EXCLUDED.char_end,
		        semantic_type = EXCLUDED.semantic_type,
		        importance_score = EXCLUDED.importance_score,
		        chunk_strategy = EXCLUDED.chunk_strategy,
		        search_vector = EXCLUDED.search_vector`

	for _, c := range chunks {
		batch.Queue(query, c.ArticleID, c.ChunkIndex, c.Text, c.TextClean,
			c.WordCount, c.CharCount, c.CharStart, c.CharEnd, c.SemanticType,
			c.ImportanceScore, c.ChunkStrategy, c.Title, c.Domain,
			c.PublishedAt, c.Language, c.Category, c.QualityScore)
	}

	results := s.db.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert chunks: %w", err)
		}
	}
	return nil
}

// MarkChunkingCompleted flips chunking_completed for an article.
func (s *IndexStore) MarkChunkingCompleted(ctx context.Context, articleID string) error {
	err := s.db.Exec(ctx,
		`UPDATE articles_index SET chunking_completed = TRUE, updated_at = NOW() WHERE article_id = $1`,
		articleID)
	if err != nil {
		return fmt.Errorf("failed to mark chunking completed for %s: %w", articleID, err)
	}
	return nil
}

// UpdateSearchVector rebuilds the article's weighted full-text vector:
// title weighs highest (A), then tags and keywords (B), then body text (C).
func (s *IndexStore) UpdateSearchVector(ctx context.Context, articleID string) error {
	err := s.db.Exec(ctx, `
		UPDATE articles_index
		SET search_vector =
		        setweight(to_tsvector('simple', COALESCE(title_norm, '')), 'A') ||
		        setweight(to_tsvector('simple', array_to_string(tags, ' ')), 'B') ||
		        setweight(to_tsvector('simple', array_to_string(keywords, ' ')), 'B') ||
		        setweight(to_tsvector('simple', COALESCE(clean_text, '')), 'C'),
		    indexing_completed = TRUE,
		    updated_at = NOW()
		WHERE article_id = $1`, articleID)
	if err != nil {
		return fmt.Errorf("failed to update search vector for %s: %w", articleID, err)
	}
	return nil
}

// CountChunksMissingVectors reports chunks of an article whose search
// vector is null. Stage 7 uses this as a structural verification.
func (s *IndexStore) CountChunksMissingVectors(ctx context.Context, articleID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM article_chunks WHERE article_id = $1 AND search_vector IS NULL`,
		articleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to verify chunk vectors for %s: %w", articleID, err)
	}
	return n, nil
}
