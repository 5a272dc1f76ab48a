package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// FeedStore handles feeds persistence through gorm.
type FeedStore struct {
	db *gorm.DB
}

// NewFeedStore creates a feed store.
func NewFeedStore(db *gorm.DB) *FeedStore {
	return &FeedStore{db: db}
}

// ActiveFeeds returns all feeds with status active.
func (s *FeedStore) ActiveFeeds(ctx context.Context) ([]*Feed, error) {
	var feeds []*Feed
	err := s.db.WithContext(ctx).
		Where("status = ?", FeedActive).
		Find(&feeds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active feeds: %w", err)
	}
	return feeds, nil
}

// Get returns a single feed by id.
func (s *FeedStore) Get(ctx context.Context, id int64) (*Feed, error) {
	feed := &Feed{}
	err := s.db.WithContext(ctx).First(feed, id).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load feed %d: %w", id, err)
	}
	return feed, nil
}

// IncrementProcessed advances the daily counter for a feed. The guard keeps
// daily_processed within quota when a quota is set.
func (s *FeedStore) IncrementProcessed(ctx context.Context, id int64, n int) error {
	res := s.db.WithContext(ctx).Model(&Feed{}).
		Where("id = ? AND (daily_quota = 0 OR daily_processed + ? <= daily_quota)", id, n).
		UpdateColumn("daily_processed", gorm.Expr("daily_processed + ?", n))
	if res.Error != nil {
		return fmt.Errorf("failed to increment feed %d counter: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("feed %d quota would be exceeded", id)
	}
	return nil
}

// ResetDailyCounters zeroes daily_processed for all feeds. Run by the
// maintenance loop at UTC midnight.
func (s *FeedStore) ResetDailyCounters(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Feed{}).
		Where("daily_processed > 0").
		UpdateColumn("daily_processed", 0)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RecordFailure advances the consecutive failure counter for a feed.
func (s *FeedStore) RecordFailure(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&Feed{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record feed %d failure: %w", id, res.Error)
	}
	return nil
}

// RecordSuccess clears the consecutive failure counter.
func (s *FeedStore) RecordSuccess(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&Feed{}).
		Where("id = ? AND consecutive_failures > 0", id).
		Updates(map[string]interface{}{
			"consecutive_failures": 0,
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record feed %d success: %w", id, res.Error)
	}
	return nil
}

// UpdateHealth writes a recomputed health score and 24h rates for a feed.
func (s *FeedStore) UpdateHealth(ctx context.Context, id int64, healthScore, errorRate, duplicateRate float64) error {
	res := s.db.WithContext(ctx).Model(&Feed{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"health_score":       healthScore,
			"error_rate_24h":     errorRate,
			"duplicate_rate_24h": duplicateRate,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update feed %d health: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("feed %d not found", id)
	}
	return nil
}
