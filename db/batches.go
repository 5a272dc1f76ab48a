package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// BatchStore handles batches and batch_diagnostics persistence.
type BatchStore struct {
	db *PostgresDB
}

// NewBatchStore creates a batch store.
func NewBatchStore(db *PostgresDB) *BatchStore {
	return &BatchStore{db: db}
}

// Create inserts a batch row.
func (s *BatchStore) Create(ctx context.Context, b *Batch) error {
	cfg, err := json.Marshal(b.ProcessingConfig)
	if err != nil {
		return fmt.Errorf("failed to encode processing config: %w", err)
	}

	query := `
		INSERT INTO batches (batch_id, worker_id, correlation_id, priority,
		                     status, articles_total, config_hash,
		                     processing_config, estimated_completion)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	err = s.db.Exec(ctx, query, b.BatchID, b.WorkerID, b.CorrelationID,
		b.Priority, b.Status, b.ArticlesTotal, b.ConfigHash, cfg,
		b.EstimatedCompletion)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// Get loads a batch by id.
func (s *BatchStore) Get(ctx context.Context, batchID string) (*Batch, error) {
	query := `
		SELECT batch_id, worker_id, correlation_id, priority, status,
		       current_stage, articles_total, articles_successful,
		       articles_failed, articles_skipped, config_hash,
		       processing_config, created_at, started_at, completed_at,
		       estimated_completion, processing_time_ms, last_error
		FROM batches WHERE batch_id = $1`

	b := &Batch{}
	var cfg []byte
	err := s.db.QueryRow(ctx, query, batchID).Scan(
		&b.BatchID, &b.WorkerID, &b.CorrelationID, &b.Priority, &b.Status,
		&b.CurrentStage, &b.ArticlesTotal, &b.ArticlesSuccessful,
		&b.ArticlesFailed, &b.ArticlesSkipped, &b.ConfigHash, &cfg,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt, &b.EstimatedCompletion,
		&b.ProcessingTimeMs, &b.LastError)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &b.ProcessingConfig); err != nil {
			return nil, fmt.Errorf("failed to decode processing config: %w", err)
		}
	}
	return b, nil
}

// SetTotal reconciles articles_total when the claim fell short of the plan.
func (s *BatchStore) SetTotal(ctx context.Context, batchID string, total int) error {
	err := s.db.Exec(ctx,
		`UPDATE batches SET articles_total = $1 WHERE batch_id = $2`, total, batchID)
	if err != nil {
		return fmt.Errorf("failed to set batch total: %w", err)
	}
	return nil
}

// MarkStarted transitions a batch to processing and stamps started_at.
func (s *BatchStore) MarkStarted(ctx context.Context, batchID string) error {
	err := s.db.Exec(ctx, `
		UPDATE batches
		SET status = 'processing', started_at = COALESCE(started_at, NOW())
		WHERE batch_id = $1`, batchID)
	if err != nil {
		return fmt.Errorf("failed to start batch %s: %w", batchID, err)
	}
	return nil
}

// SetStage advances current_stage. The GREATEST guard keeps the stage
// monotonically non-decreasing.
func (s *BatchStore) SetStage(ctx context.Context, batchID string, stage int) error {
	err := s.db.Exec(ctx, `
		UPDATE batches SET current_stage = GREATEST(current_stage, $1)
		WHERE batch_id = $2`, stage, batchID)
	if err != nil {
		return fmt.Errorf("failed to set batch stage: %w", err)
	}
	return nil
}

// Complete records the terminal counts for a successful batch.
func (s *BatchStore) Complete(ctx context.Context, batchID string, successful, failed, skipped int, elapsed time.Duration) error {
	err := s.db.Exec(ctx, `
		UPDATE batches
		SET status = 'completed', articles_successful = $1,
		    articles_failed = $2, articles_skipped = $3,
		    processing_time_ms = $4, completed_at = NOW()
		WHERE batch_id = $5`,
		successful, failed, skipped, elapsed.Milliseconds(), batchID)
	if err != nil {
		return fmt.Errorf("failed to complete batch %s: %w", batchID, err)
	}
	return nil
}

// Fail records a structured error and the terminal failed state.
func (s *BatchStore) Fail(ctx context.Context, batchID, lastError string) error {
	err := s.db.Exec(ctx, `
		UPDATE batches
		SET status = 'failed', last_error = $1, completed_at = NOW()
		WHERE batch_id = $2 AND status NOT IN ('completed', 'cancelled')`,
		lastError, batchID)
	if err != nil {
		return fmt.Errorf("failed to fail batch %s: %w", batchID, err)
	}
	return nil
}

// LastCreatedAt returns the creation time of the most recent batch, used by
// the emergency monitor.
func (s *BatchStore) LastCreatedAt(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.db.QueryRow(ctx, `SELECT MAX(created_at) FROM batches`).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("failed to read last batch time: %w", err)
	}
	return t, nil
}

// SaveDiagnostic upserts the per-stage diagnostic row for a batch.
func (s *BatchStore) SaveDiagnostic(ctx context.Context, d *BatchDiagnostic) error {
	details, err := json.Marshal(d.Details)
	if err != nil {
		return fmt.Errorf("failed to encode diagnostic details: %w", err)
	}

	query := `
		INSERT INTO batch_diagnostics (batch_id, stage, articles_in,
		        articles_out, rejected, errors, success_rate, duration_ms,
		        details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (batch_id, stage) DO UPDATE SET
		        articles_in = EXCLUDED.articles_in,
		        articles_out = EXCLUDED.articles_out,
		        rejected = EXCLUDED.rejected,
		        errors = EXCLUDED.errors,
		        success_rate = EXCLUDED.success_rate,
		        duration_ms = EXCLUDED.duration_ms,
		        details = EXCLUDED.details,
		        recorded_at = NOW()`

	err = s.db.Exec(ctx, query, d.BatchID, d.Stage, d.ArticlesIn,
		d.ArticlesOut, d.Rejected, d.Errors, d.SuccessRate, d.DurationMs, details)
	if err != nil {
		return fmt.Errorf("failed to save diagnostic %s/%s: %w", d.BatchID, d.Stage, err)
	}
	return nil
}

// StatusCounts returns the batch status distribution.
func (s *BatchStore) StatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM batches GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count batch statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan batch status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
