// Package planner builds batches: it sizes them to the current load,
// scores and claims candidate articles under a creation lock, and records
// outcomes so future sizing learns from history.
package planner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/backpressure"
	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/config"
	"github.com/langgraphsystem/rssnews-sub002/db"
	"github.com/langgraphsystem/rssnews-sub002/feeds"
	"github.com/langgraphsystem/rssnews-sub002/locks"
	"github.com/langgraphsystem/rssnews-sub002/metrics"
	"github.com/langgraphsystem/rssnews-sub002/resilience"
)

const (
	creationLockKey = "batch_creation"
	creationLockTTL = 30 * time.Second

	// leaseTTL is how long a claimed article stays bound to its batch
	// before the sweeper returns it to the pool.
	leaseTTL = 2 * time.Hour

	// estimatedMsPerArticle sizes the completion estimate.
	estimatedMsPerArticle = 350
)

// Planner creates batches.
type Planner struct {
	cfg       *config.Config
	articles  *db.ArticleStore
	batches   *db.BatchStore
	feedCache *feeds.HealthCache
	lockMgr   *locks.Manager
	monitor   *backpressure.Monitor
	breakers  *resilience.Registry
	limiter   *resilience.Limiter
	history   *History
	sink      *metrics.Sink
	logger    *logrus.Entry
}

// SetLimiter attaches the rate limiter consulted before each batch.
func (p *Planner) SetLimiter(l *resilience.Limiter) { p.limiter = l }

// NewPlanner wires the planner. monitor, breakers, history, and sink may
// be nil; the matching adjustments are then skipped.
func NewPlanner(cfg *config.Config, articles *db.ArticleStore, batches *db.BatchStore,
	feedCache *feeds.HealthCache, lockMgr *locks.Manager, monitor *backpressure.Monitor,
	breakers *resilience.Registry, history *History, sink *metrics.Sink, logger *logrus.Entry) *Planner {
	return &Planner{
		cfg:       cfg,
		articles:  articles,
		batches:   batches,
		feedCache: feedCache,
		lockMgr:   lockMgr,
		monitor:   monitor,
		breakers:  breakers,
		history:   history,
		sink:      sink,
		logger:    logger,
	}
}

// CreateBatch plans, persists, and claims one batch. Returns "" without
// error when there is nothing to do: lock contention, paused batching, or
// no eligible candidates.
func (p *Planner) CreateBatch(ctx context.Context, workerID, correlationID, priority string) (string, error) {
	if priority == "" {
		priority = db.PriorityNormal
	}

	var load float64
	if p.monitor != nil {
		snap := p.monitor.Latest()
		if snap.PauseBatching {
			p.logger.WithField("load_factor", snap.LoadFactor).Info("batch creation paused by backpressure")
			return "", nil
		}
		load = snap.LoadFactor
	}

	if p.limiter != nil {
		if err := p.limiter.Allow(ctx, resilience.LimitBatchProcessing, 1); err != nil {
			if errors.Is(err, common.ErrRateLimited) {
				p.logger.Debug("batch creation rate limited")
				return "", nil
			}
			return "", err
		}
	}

	handle, outcome, err := p.lockMgr.Acquire(ctx, creationLockKey, workerID, creationLockTTL,
		locks.Options{Type: locks.Exclusive, AutoRenew: false})
	if outcome == locks.Errored {
		return "", fmt.Errorf("failed to acquire batch creation lock: %w", err)
	}
	if outcome != locks.Acquired {
		return "", nil
	}
	defer func() {
		if _, err := p.lockMgr.Release(context.Background(), handle); err != nil {
			p.logger.WithError(err).Warn("failed to release batch creation lock")
		}
	}()

	size := p.optimalSize(ctx, load)

	pc := p.cfg.Pipeline
	fetchLimit := size + size/2
	candidates, err := p.articles.SelectCandidates(ctx,
		time.Duration(pc.MaxArticleAgeHours)*time.Hour, pc.MinHealthScore, fetchLimit)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", nil
	}

	if p.feedCache != nil {
		// The claim query filters on persisted health; the cache also sees
		// failures recorded since the last rescore.
		kept := candidates[:0]
		for _, c := range candidates {
			feed, err := p.feedCache.Get(ctx, c.FeedID)
			if err != nil || feeds.IsHealthy(feed) {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	picked := p.pick(candidates, size)
	if len(picked) == 0 {
		return "", nil
	}

	batchID, configHash, processingConfig, err := p.describe(picked, load)
	if err != nil {
		return "", err
	}

	batch := &db.Batch{
		BatchID:          batchID,
		WorkerID:         workerID,
		CorrelationID:    correlationID,
		Priority:         priority,
		Status:           db.BatchReady,
		ArticlesTotal:    len(picked),
		ConfigHash:       configHash,
		ProcessingConfig: processingConfig,
	}
	estimate := time.Now().Add(time.Duration(len(picked)*estimatedMsPerArticle) * time.Millisecond)
	batch.EstimatedCompletion = &estimate
	if err := p.batches.Create(ctx, batch); err != nil {
		return "", err
	}

	ids := make([]int64, len(picked))
	for i, c := range picked {
		ids[i] = c.ID
	}
	claimed, err := p.articles.ClaimArticles(ctx, ids, batchID, workerID, leaseTTL)
	if err != nil {
		return "", err
	}
	if claimed == 0 {
		if err := p.batches.Fail(ctx, batchID, "no articles claimed"); err != nil {
			p.logger.WithError(err).WithField("batch_id", batchID).Warn("failed to fail empty batch")
		}
		return "", nil
	}
	if int(claimed) < len(picked) {
		// Another worker won part of the set; shrink the batch to what we
		// actually hold.
		if err := p.batches.SetTotal(ctx, batchID, int(claimed)); err != nil {
			return "", err
		}
	}

	if p.sink != nil {
		p.sink.Incr("planner.batches_created", 1, map[string]string{"priority": priority})
		p.sink.Gauge("planner.batch_size", float64(claimed), nil)
	}
	p.logger.WithFields(logrus.Fields{
		"batch_id":    batchID,
		"size":        claimed,
		"load_factor": load,
		"priority":    priority,
	}).Info("batch created")
	return batchID, nil
}

// optimalSize adapts the configured target to the load factor and blends
// in the best historical size observed under similar load.
func (p *Planner) optimalSize(ctx context.Context, load float64) int {
	pc := p.cfg.Pipeline
	adjusted := float64(pc.TargetBatchSize)
	switch {
	case load > 0.8:
		adjusted *= 0.6
	case load > 0.6:
		adjusted *= 0.8
	case load > 0.4:
		adjusted *= 0.9
	default:
		adjusted *= 1.1
	}

	size := adjusted
	if p.history != nil {
		if best, ok := p.history.BestSize(ctx, load); ok {
			size = 0.7*adjusted + 0.3*float64(best)
		}
	}

	n := int(math.Round(size))
	if n < pc.MinBatchSize {
		n = pc.MinBatchSize
	}
	if n > pc.MaxBatchSize {
		n = pc.MaxBatchSize
	}
	return n
}

// pick filters and orders candidates into the final batch membership:
// breaker-filtered, retry-capped, domain-diverse, best score first.
func (p *Planner) pick(candidates []db.Candidate, target int) []db.Candidate {
	pc := p.cfg.Pipeline

	now := time.Now()
	type scored struct {
		db.Candidate
		score float64
	}
	pool := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if p.breakers != nil && p.breakers.IsOpen(breakerName(c.Domain)) {
			continue
		}
		pool = append(pool, scored{Candidate: c, score: Score(c, now)})
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].TrustTier != pool[j].TrustTier {
			return pool[i].TrustTier < pool[j].TrustTier
		}
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].FetchedAt.Before(pool[j].FetchedAt)
	})

	domainCap := int(float64(target) * pc.DiversityFactor)
	if domainCap < 1 {
		domainCap = 1
	}
	maxRetries := int(float64(target) * pc.MaxRetryArticlesPercent)

	perDomain := make(map[string]int)
	retries := 0
	picked := make([]db.Candidate, 0, target)
	for _, c := range pool {
		if len(picked) >= target {
			break
		}
		if perDomain[c.Domain] >= domainCap {
			continue
		}
		if c.RetryCount > 0 && retries >= maxRetries {
			continue
		}
		perDomain[c.Domain]++
		if c.RetryCount > 0 {
			retries++
		}
		picked = append(picked, c.Candidate)
	}
	return picked
}

// Score rates one candidate. Trust and health carry the base; fresh and
// first-attempt articles rank up, repeatedly-retried ones rank down.
func Score(c db.Candidate, now time.Time) float64 {
	score := 0.4*c.TrustScore + 0.3*c.HealthScore

	age := now.Sub(c.FetchedAt)
	if age < 0 {
		age = 0
	}
	if age < 24*time.Hour {
		score += 30 * (1 - age.Hours()/24)
	}
	if age <= 2*time.Hour {
		score += 15
	}

	switch {
	case c.RetryCount == 0:
		score += 20
	case c.RetryCount == 1:
		score += 10
	default:
		score -= 5 * float64(c.RetryCount)
	}
	return score
}

// describe derives the batch identity and its stored processing config.
func (p *Planner) describe(picked []db.Candidate, load float64) (string, string, map[string]interface{}, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", "", nil, fmt.Errorf("failed to generate batch id: %w", err)
	}
	batchID := fmt.Sprintf("batch_%d_%s", time.Now().Unix(), hex.EncodeToString(suffix[:]))

	retries := 0
	domains := make(map[string]struct{})
	for _, c := range picked {
		if c.RetryCount > 0 {
			retries++
		}
		domains[c.Domain] = struct{}{}
	}
	processingConfig := map[string]interface{}{
		"size":               len(picked),
		"retry_articles":     retries,
		"load_factor":        load,
		"domain_count":       len(domains),
		"estimated_total_ms": len(picked) * estimatedMsPerArticle,
		"processing_version": p.cfg.Pipeline.ProcessingVersion,
	}

	canonical, err := json.Marshal(processingConfig)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to encode processing config: %w", err)
	}
	return batchID, common.SHA256HexPrefix(string(canonical), 16), processingConfig, nil
}

func breakerName(domain string) string { return "feed:" + domain }
