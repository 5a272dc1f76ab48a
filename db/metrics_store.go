package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
)

// MetricRecord is one flushed metric entry bound for long-term storage.
type MetricRecord struct {
	Name       string
	MetricType string
	Value      float64
	Tags       map[string]string
	RecordedAt time.Time
}

// MetricsStore persists flushed metrics to performance_metrics via pgx
// batch inserts, and alert events via gorm.
type MetricsStore struct {
	db   *PostgresDB
	gorm *gorm.DB
}

// NewMetricsStore creates a metrics store.
func NewMetricsStore(db *PostgresDB, gdb *gorm.DB) *MetricsStore {
	return &MetricsStore{db: db, gorm: gdb}
}

// InsertBatch writes a flush batch in one round trip.
func (s *MetricsStore) InsertBatch(ctx context.Context, records []MetricRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		tags, err := json.Marshal(r.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode metric tags: %w", err)
		}
		batch.Queue(`
			INSERT INTO performance_metrics (name, metric_type, value, tags, recorded_at)
			VALUES ($1, $2, $3, $4, $5)`,
			r.Name, r.MetricType, r.Value, tags, r.RecordedAt)
	}

	results := s.db.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert metrics batch: %w", err)
		}
	}
	return nil
}

// SaveAlert records a threshold breach.
func (s *MetricsStore) SaveAlert(ctx context.Context, a *AlertEvent) error {
	a.CreatedAt = time.Now().UTC()
	if err := s.gorm.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("failed to save alert event: %w", err)
	}
	return nil
}
