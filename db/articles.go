package db

import (
	"context"
	"fmt"
	"time"
)

// Candidate is a claimable article joined with the feed fields the planner
// scores on.
type Candidate struct {
	ID          int64
	FeedID      int64
	Domain      string
	URL         string
	FetchedAt   time.Time
	RetryCount  int
	TrustScore  float64
	HealthScore float64
	TrustTier   int
}

// ArticleStore handles raw_articles persistence. All lease mutations carry
// an owner guard in the WHERE clause so only the leasing worker can write.
type ArticleStore struct {
	db *PostgresDB
}

// NewArticleStore creates an article store.
func NewArticleStore(db *PostgresDB) *ArticleStore {
	return &ArticleStore{db: db}
}

// SelectCandidates returns up to limit claimable articles ordered by trust
// tier, then feed quality, then age. Rows are locked with SKIP LOCKED so
// concurrent planners do not collide; the caller must claim the returned
// set promptly via ClaimArticles.
func (s *ArticleStore) SelectCandidates(ctx context.Context, maxAge time.Duration, minHealthScore float64, limit int) ([]Candidate, error) {
	query := `
		SELECT a.id, a.feed_id, f.domain, a.url, a.fetched_at, a.retry_count,
		       f.trust_score, f.health_score,
		       CASE WHEN f.trust_score >= 80 THEN 1
		            WHEN f.trust_score >= 60 THEN 2
		            WHEN f.trust_score >= 40 THEN 3
		            ELSE 4 END AS trust_tier
		FROM raw_articles a
		JOIN feeds f ON f.id = a.feed_id
		WHERE a.status = 'pending'
		  AND a.lock_owner IS NULL
		  AND a.fetched_at > NOW() - $1::interval
		  AND f.status = 'active'
		  AND NOT f.blacklisted
		  AND f.health_score >= $2
		  AND (f.daily_quota = 0 OR f.daily_processed < f.daily_quota * 0.95)
		ORDER BY trust_tier ASC, f.trust_score DESC, a.fetched_at ASC
		LIMIT $3
		FOR UPDATE OF a SKIP LOCKED`

	rows, err := s.db.Query(ctx, query, maxAge.String(), minHealthScore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.FeedID, &c.Domain, &c.URL, &c.FetchedAt,
			&c.RetryCount, &c.TrustScore, &c.HealthScore, &c.TrustTier); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimArticles atomically transitions the given pending articles to
// processing under a lease. It returns the number of rows actually claimed,
// which can be below len(ids) if another worker won a race.
func (s *ArticleStore) ClaimArticles(ctx context.Context, ids []int64, batchID, owner string, leaseTTL time.Duration) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		UPDATE raw_articles
		SET status = 'processing',
		    batch_id = $1,
		    lock_owner = $2,
		    lock_acquired_at = NOW(),
		    lock_expires_at = NOW() + $3::interval
		WHERE id = ANY($4)
		  AND status = 'pending'
		  AND lock_owner IS NULL`

	tag, err := s.db.pool.Exec(ctx, query, batchID, owner, leaseTTL.String(), ids)
	if err != nil {
		return 0, fmt.Errorf("failed to claim articles: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LoadBatch returns the articles of a batch that are still in processing.
func (s *ArticleStore) LoadBatch(ctx context.Context, batchID string) ([]*RawArticle, error) {
	query := `
		SELECT a.id, a.feed_id, f.domain, a.url, COALESCE(a.url_hash, ''),
		       COALESCE(a.text_hash, ''), a.title, a.description, a.content,
		       a.authors, a.published_at_raw, a.published_at, a.language_raw,
		       a.fetched_at, a.retry_count, a.status, a.batch_id, a.lock_owner,
		       a.lock_acquired_at, a.lock_expires_at, COALESCE(a.idempotency_key, '')
		FROM raw_articles a
		JOIN feeds f ON f.id = a.feed_id
		WHERE a.batch_id = $1 AND a.status = 'processing'
		ORDER BY a.id`

	rows, err := s.db.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch articles: %w", err)
	}
	defer rows.Close()

	var out []*RawArticle
	for rows.Next() {
		a := &RawArticle{}
		if err := rows.Scan(&a.ID, &a.FeedID, &a.Domain, &a.URL, &a.URLHash,
			&a.TextHash, &a.Title, &a.Description, &a.Content, &a.Authors,
			&a.PublishedAtRaw, &a.PublishedAt, &a.LanguageRaw, &a.FetchedAt,
			&a.RetryCount, &a.Status, &a.BatchID, &a.LockOwner,
			&a.LockAcquiredAt, &a.LockExpiresAt, &a.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkRejected transitions a leased article to a terminal rejection state
// and releases the lease. The owner guard prevents a worker whose lease
// expired from clobbering a re-claimed row.
func (s *ArticleStore) MarkRejected(ctx context.Context, id int64, owner, status, reason, dupOriginalID string, dupSimilarity float64) error {
	query := `
		UPDATE raw_articles
		SET status = $1, reject_reason = $2, dup_original_id = $3,
		    dup_similarity = $4, lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $5 AND lock_owner = $6`

	tag, err := s.db.pool.Exec(ctx, query, status, reason, dupOriginalID, dupSimilarity, id, owner)
	if err != nil {
		return fmt.Errorf("failed to mark article %d rejected: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("article %d not leased by %s", id, owner)
	}
	return nil
}

// MarkProcessed transitions a leased article to processed and releases the
// lease.
func (s *ArticleStore) MarkProcessed(ctx context.Context, id int64, owner string) error {
	query := `
		UPDATE raw_articles
		SET status = 'processed', lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $1 AND lock_owner = $2`

	tag, err := s.db.pool.Exec(ctx, query, id, owner)
	if err != nil {
		return fmt.Errorf("failed to mark article %d processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("article %d not leased by %s", id, owner)
	}
	return nil
}

// MarkFailed records a per-article error, transitions the row to failed,
// and releases the lease. The retry counter advances so the planner can
// down-rank or cap retried articles.
func (s *ArticleStore) MarkFailed(ctx context.Context, id int64, owner, errMsg string) error {
	query := `
		UPDATE raw_articles
		SET status = 'failed', retry_count = retry_count + 1,
		    error_log = array_append(error_log, $1),
		    lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $2 AND lock_owner = $3`

	tag, err := s.db.pool.Exec(ctx, query, errMsg, id, owner)
	if err != nil {
		return fmt.Errorf("failed to mark article %d failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("article %d not leased by %s", id, owner)
	}
	return nil
}

// SaveEnrichment persists stage outputs (hashes, normalization, cleaning)
// for a leased article.
func (s *ArticleStore) SaveEnrichment(ctx context.Context, a *RawArticle) error {
	query := `
		UPDATE raw_articles
		SET url_hash = $1, text_hash = NULLIF($2, ''), canonical_url = $3,
		    clean_text = $4, authors = $5, published_at = $6, language = $7,
		    language_conf = $8, category = $9, quality_score = $10,
		    quality_flags = $11, keywords = $12, word_count = $13,
		    char_count = $14, readability = $15, idempotency_key = $16
		WHERE id = $17 AND lock_owner = $18`

	var owner string
	if a.LockOwner != nil {
		owner = *a.LockOwner
	}
	tag, err := s.db.pool.Exec(ctx, query, a.URLHash, a.TextHash, a.CanonicalURL,
		a.CleanText, a.Authors, a.PublishedAt, a.Language, a.LanguageConf,
		a.Category, a.QualityScore, a.QualityFlags, a.Keywords, a.WordCount,
		a.CharCount, a.Readability, a.IdempotencyKey, a.ID, owner)
	if err != nil {
		return fmt.Errorf("failed to save enrichment for article %d: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("article %d not leased by %s", a.ID, owner)
	}
	return nil
}

// ReleaseExpired reverts articles whose lease lapsed back to pending and
// detaches them from their batch. Returns the affected batch IDs so the
// sweeper can fail orphaned batches.
func (s *ArticleStore) ReleaseExpired(ctx context.Context) ([]string, int64, error) {
	// The CTE snapshots batch_id before the release clears it, so the
	// orphaned batches can still be reported.
	rows, err := s.db.Query(ctx, `
		WITH expired AS (
			SELECT id, batch_id FROM raw_articles
			WHERE status = 'processing' AND lock_expires_at < NOW()
			FOR UPDATE SKIP LOCKED
		), released AS (
			UPDATE raw_articles a
			SET status = 'pending', batch_id = NULL, lock_owner = NULL,
			    lock_acquired_at = NULL, lock_expires_at = NULL,
			    retry_count = retry_count + 1
			FROM expired e WHERE a.id = e.id
			RETURNING e.batch_id
		)
		SELECT batch_id FROM released`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to release expired leases: %w", err)
	}
	defer rows.Close()

	var count int64
	seen := make(map[string]bool)
	var batchIDs []string
	for rows.Next() {
		var id *string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, fmt.Errorf("failed to scan orphaned batch id: %w", err)
		}
		count++
		if id != nil && !seen[*id] {
			seen[*id] = true
			batchIDs = append(batchIDs, *id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return batchIDs, count, nil
}

// PendingDepth returns the number of claimable pending articles, the
// scheduler's queue-depth signal.
func (s *ArticleStore) PendingDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM raw_articles WHERE status = 'pending' AND lock_owner IS NULL`).
		Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending articles: %w", err)
	}
	return depth, nil
}

// StatusCounts returns the article status distribution.
func (s *ArticleStore) StatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT status, COUNT(*) FROM raw_articles GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count article statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// RecentErrorRate returns the failed share of articles terminal within the
// window, used as a backpressure signal.
func (s *ArticleStore) RecentErrorRate(ctx context.Context, window time.Duration) (float64, error) {
	var failed, total int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'failed'), COUNT(*)
		FROM raw_articles
		WHERE status IN ('processed', 'duplicate', 'rejected', 'failed')
		  AND fetched_at > NOW() - $1::interval`, window.String()).
		Scan(&failed, &total)
	if err != nil {
		return 0, fmt.Errorf("failed to compute error rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

// FeedDayStats aggregates per-feed outcomes over a window.
type FeedDayStats struct {
	FeedID     int64
	Total      int64
	Failed     int64
	Duplicates int64
}

// FeedStatsByWindow returns per-feed article outcomes for the health
// scoring job.
func (s *ArticleStore) FeedStatsByWindow(ctx context.Context, window time.Duration) (map[int64]FeedDayStats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT feed_id,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status = 'duplicate')
		FROM raw_articles
		WHERE fetched_at > NOW() - $1::interval
		GROUP BY feed_id`, window.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load feed stats: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]FeedDayStats)
	for rows.Next() {
		var st FeedDayStats
		if err := rows.Scan(&st.FeedID, &st.Total, &st.Failed, &st.Duplicates); err != nil {
			return nil, fmt.Errorf("failed to scan feed stats: %w", err)
		}
		out[st.FeedID] = st
	}
	return out, rows.Err()
}
