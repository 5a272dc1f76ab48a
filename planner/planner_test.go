package planner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/config"
	"github.com/langgraphsystem/rssnews-sub002/db"
)

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			TargetBatchSize:         200,
			MinBatchSize:            50,
			MaxBatchSize:            500,
			DiversityFactor:         0.2,
			MaxRetryArticlesPercent: 0.3,
			ProcessingVersion:       "v2",
		},
	}
}

func testPlanner() *Planner {
	return NewPlanner(testConfig(), nil, nil, nil, nil, nil, nil, nil, nil,
		common.ComponentLogger("test"))
}

func TestScore(t *testing.T) {
	now := time.Now()
	base := db.Candidate{TrustScore: 50, HealthScore: 80, FetchedAt: now.Add(-time.Hour)}

	t.Run("fresh first attempt outranks old retries", func(t *testing.T) {
		old := base
		old.FetchedAt = now.Add(-20 * time.Hour)
		old.RetryCount = 3
		assert.Greater(t, Score(base, now), Score(old, now))
	})

	t.Run("very fresh articles get the recency bonus", func(t *testing.T) {
		fresh := base
		fresh.FetchedAt = now.Add(-time.Hour)
		older := base
		older.FetchedAt = now.Add(-3 * time.Hour)
		assert.Greater(t, Score(fresh, now), Score(older, now))
	})

	t.Run("first retry still ranks above repeat offenders", func(t *testing.T) {
		once := base
		once.RetryCount = 1
		thrice := base
		thrice.RetryCount = 3
		assert.Greater(t, Score(once, now), Score(thrice, now))
	})

	t.Run("future fetch times do not inflate the score", func(t *testing.T) {
		future := base
		future.FetchedAt = now.Add(time.Hour)
		atNow := base
		atNow.FetchedAt = now
		assert.InDelta(t, Score(atNow, now), Score(future, now), 0.001)
	})
}

func TestOptimalSize(t *testing.T) {
	p := testPlanner()
	ctx := context.Background()

	tests := []struct {
		load float64
		want int
	}{
		{0.0, 220}, // low load grows the batch
		{0.5, 180},
		{0.7, 160},
		{0.9, 120},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.optimalSize(ctx, tt.load), "load %f", tt.load)
	}
}

func TestOptimalSizeClamped(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.TargetBatchSize = 60
	cfg.Pipeline.MinBatchSize = 50
	cfg.Pipeline.MaxBatchSize = 64
	p := NewPlanner(cfg, nil, nil, nil, nil, nil, nil, nil, nil,
		common.ComponentLogger("test"))

	assert.Equal(t, 64, p.optimalSize(context.Background(), 0.0), "clamped to max")
	assert.Equal(t, 50, p.optimalSize(context.Background(), 0.95), "clamped to min")
}

func candidatePool(domains, perDomain int, fetchedAt time.Time) []db.Candidate {
	var out []db.Candidate
	id := int64(1)
	for d := 0; d < domains; d++ {
		for i := 0; i < perDomain; i++ {
			out = append(out, db.Candidate{
				ID:          id,
				Domain:      fmt.Sprintf("domain-%d.com", d),
				TrustScore:  60,
				HealthScore: 80,
				TrustTier:   2,
				FetchedAt:   fetchedAt,
			})
			id++
		}
	}
	return out
}

func TestPickDomainDiversity(t *testing.T) {
	p := testPlanner()
	now := time.Now().Add(-time.Hour)

	// 10 candidates per domain against a cap of 20% of a 10-article target.
	picked := p.pick(candidatePool(5, 10, now), 10)

	perDomain := make(map[string]int)
	for _, c := range picked {
		perDomain[c.Domain]++
	}
	assert.Len(t, picked, 10)
	for domain, n := range perDomain {
		assert.LessOrEqual(t, n, 2, "domain %s exceeds the diversity cap", domain)
	}
}

func TestPickRetryCap(t *testing.T) {
	p := testPlanner()
	now := time.Now().Add(-time.Hour)

	pool := candidatePool(10, 2, now)
	for i := range pool {
		pool[i].RetryCount = 1
	}
	// A handful of first-attempt candidates among the retries.
	for i := 0; i < 4; i++ {
		pool[i].RetryCount = 0
	}

	picked := p.pick(pool, 10)

	retries := 0
	for _, c := range picked {
		if c.RetryCount > 0 {
			retries++
		}
	}
	assert.LessOrEqual(t, retries, 3, "retries above 30 percent of the target")
}

func TestPickOrdersByTrustTier(t *testing.T) {
	p := testPlanner()
	now := time.Now().Add(-time.Hour)

	pool := []db.Candidate{
		{ID: 1, Domain: "a.com", TrustTier: 3, TrustScore: 90, HealthScore: 90, FetchedAt: now},
		{ID: 2, Domain: "b.com", TrustTier: 1, TrustScore: 40, HealthScore: 50, FetchedAt: now},
		{ID: 3, Domain: "c.com", TrustTier: 2, TrustScore: 70, HealthScore: 70, FetchedAt: now},
	}

	picked := p.pick(pool, 2)
	assert.Equal(t, int64(2), picked[0].ID, "tier 1 first despite lower raw score")
	assert.Equal(t, int64(3), picked[1].ID)
}

func TestDescribeIsDeterministicPerMembership(t *testing.T) {
	p := testPlanner()
	now := time.Now().Add(-time.Hour)
	picked := candidatePool(2, 3, now)

	id1, hash1, cfg1, err := p.describe(picked, 0.4)
	assert.NoError(t, err)
	assert.NotEmpty(t, id1)
	assert.Len(t, hash1, 16)
	assert.Equal(t, len(picked), cfg1["size"])

	_, hash2, _, err := p.describe(picked, 0.4)
	assert.NoError(t, err)
	assert.Equal(t, hash1, hash2, "same membership and load yield the same config hash")
}
