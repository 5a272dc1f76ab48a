// Package feeds maintains the in-memory feed health cache the planner and
// pipeline stages consult on the hot path, plus the background scoring and
// quota maintenance jobs.
package feeds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/db"
)

// cacheTTL bounds staleness of the health snapshot.
const cacheTTL = 5 * time.Minute

// HealthCache caches active feeds by id with a TTL reload. Reads during a
// reload serve the previous snapshot.
type HealthCache struct {
	store  *db.FeedStore
	logger *logrus.Entry

	mu       sync.RWMutex
	feeds    map[int64]*db.Feed
	loadedAt time.Time
}

// NewHealthCache creates the cache. The first Get triggers a load.
func NewHealthCache(store *db.FeedStore, logger *logrus.Entry) *HealthCache {
	return &HealthCache{store: store, logger: logger}
}

// Get returns the cached feed, reloading the snapshot when stale. Unknown
// or inactive feeds return nil.
func (c *HealthCache) Get(ctx context.Context, feedID int64) (*db.Feed, error) {
	c.mu.RLock()
	fresh := time.Since(c.loadedAt) < cacheTTL && c.feeds != nil
	feed := c.feeds[feedID]
	c.mu.RUnlock()
	if fresh {
		return feed, nil
	}
	if err := c.Refresh(ctx); err != nil {
		// Serve stale data over nothing when a refresh fails.
		if feed != nil {
			c.logger.WithError(err).Warn("serving stale feed health snapshot")
			return feed, nil
		}
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.feeds[feedID], nil
}

// Refresh reloads the snapshot from the database.
func (c *HealthCache) Refresh(ctx context.Context) error {
	active, err := c.store.ActiveFeeds(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh feed cache: %w", err)
	}
	byID := make(map[int64]*db.Feed, len(active))
	for _, f := range active {
		byID[f.ID] = f
	}
	c.mu.Lock()
	c.feeds = byID
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Size returns the number of cached feeds.
func (c *HealthCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.feeds)
}

// IsHealthy reports whether a feed may contribute articles to a batch.
func IsHealthy(f *db.Feed) bool {
	if f == nil {
		return false
	}
	return f.HealthScore >= 50 &&
		f.ConsecutiveFailures < 5 &&
		f.ErrorRate24h < 0.5 &&
		!f.QuotaExhausted()
}

// PriorityScore maps feed quality onto [0, 100]. Trust and health are both
// on the 0-100 scale of the feeds table and split the base evenly;
// operational problems subtract, a clean record adds a bonus.
func PriorityScore(f *db.Feed) float64 {
	if f == nil {
		return 0
	}

	score := f.TrustScore/2 + f.HealthScore/2

	// Penalties for operational problems.
	score -= f.ErrorRate24h * 30
	score -= f.DuplicateRate24h * 20
	if f.AvgResponseMs > 3000 {
		score -= 10
	}
	score -= float64(f.ConsecutiveFailures) * 5
	if rem := f.QuotaRemaining(); rem >= 0 && f.DailyQuota > 0 {
		if float64(rem)/float64(f.DailyQuota) < 0.1 {
			score -= 15
		}
	}

	// Bonus for a clean recent record.
	if f.ErrorRate24h < 0.05 && f.DuplicateRate24h < 0.1 && f.ConsecutiveFailures == 0 {
		score += 10
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
