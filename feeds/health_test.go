package feeds

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/langgraphsystem/rssnews-sub002/db"
)

func healthyFeed() *db.Feed {
	return &db.Feed{
		TrustScore:  80,
		HealthScore: 90,
		DailyQuota:  100,
	}
}

func TestIsHealthy(t *testing.T) {
	t.Run("nil feed is unhealthy", func(t *testing.T) {
		assert.False(t, IsHealthy(nil))
	})

	t.Run("healthy feed passes", func(t *testing.T) {
		assert.True(t, IsHealthy(healthyFeed()))
	})

	t.Run("low health score", func(t *testing.T) {
		f := healthyFeed()
		f.HealthScore = 49
		assert.False(t, IsHealthy(f))
	})

	t.Run("too many consecutive failures", func(t *testing.T) {
		f := healthyFeed()
		f.ConsecutiveFailures = 5
		assert.False(t, IsHealthy(f))
	})

	t.Run("high error rate", func(t *testing.T) {
		f := healthyFeed()
		f.ErrorRate24h = 0.5
		assert.False(t, IsHealthy(f))
	})

	t.Run("exhausted quota", func(t *testing.T) {
		f := healthyFeed()
		f.DailyProcessed = f.DailyQuota
		assert.False(t, IsHealthy(f))
	})
}

func TestPriorityScore(t *testing.T) {
	t.Run("nil feed scores zero", func(t *testing.T) {
		assert.Equal(t, 0.0, PriorityScore(nil))
	})

	t.Run("clean feed gets the bonus", func(t *testing.T) {
		f := healthyFeed()
		// 80/2 + 90/2 + 10 bonus
		assert.InDelta(t, 95.0, PriorityScore(f), 0.001)
	})

	t.Run("trust and health split the base evenly", func(t *testing.T) {
		tests := []struct {
			name   string
			trust  float64
			health float64
			want   float64
		}{
			{"table defaults", 50, 50, 60},
			{"trusted tier", 80, 60, 80},
			{"top feed clamps at the ceiling", 100, 100, 100},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := &db.Feed{TrustScore: tt.trust, HealthScore: tt.health, DailyQuota: 100}
				assert.InDelta(t, tt.want, PriorityScore(f), 0.001)
			})
		}
	})

	t.Run("failing feed ranks far below a clean one", func(t *testing.T) {
		bad := &db.Feed{
			TrustScore:          50,
			HealthScore:         10,
			ErrorRate24h:        1.0,
			ConsecutiveFailures: 10,
			AvgResponseMs:       10000,
			DailyQuota:          100,
		}
		good := &db.Feed{TrustScore: 100, HealthScore: 100, DailyQuota: 100}
		assert.Equal(t, 0.0, PriorityScore(bad))
		assert.Less(t, PriorityScore(bad), PriorityScore(good))
	})

	t.Run("operational problems subtract", func(t *testing.T) {
		f := healthyFeed()
		f.ErrorRate24h = 0.2
		f.DuplicateRate24h = 0.3
		f.ConsecutiveFailures = 2
		// 40 + 45 - 6 - 6 - 10, no bonus
		assert.InDelta(t, 63.0, PriorityScore(f), 0.001)
	})

	t.Run("slow feeds are penalized", func(t *testing.T) {
		f := healthyFeed()
		f.AvgResponseMs = 5000
		assert.InDelta(t, 85.0, PriorityScore(f), 0.001)
	})

	t.Run("near-exhausted quota is penalized", func(t *testing.T) {
		f := healthyFeed()
		f.DailyProcessed = 95
		assert.InDelta(t, 80.0, PriorityScore(f), 0.001)
	})

	t.Run("score is clamped to the bottom", func(t *testing.T) {
		f := &db.Feed{
			TrustScore:          10,
			HealthScore:         10,
			ErrorRate24h:        1.0,
			DuplicateRate24h:    1.0,
			ConsecutiveFailures: 10,
		}
		assert.Equal(t, 0.0, PriorityScore(f))
	})
}
