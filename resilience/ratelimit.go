package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/langgraphsystem/rssnews-sub002/common"
)

// Rate limiter strategies.
type Strategy string

const (
	FixedWindow   Strategy = "fixed_window"
	SlidingWindow Strategy = "sliding_window"
	TokenBucket   Strategy = "token_bucket"
	Adaptive      Strategy = "adaptive"
)

// LimitConfig describes one named limit.
type LimitConfig struct {
	Strategy    Strategy
	MaxRequests int
	Window      time.Duration

	// BurstSize caps the token bucket; defaults to MaxRequests.
	BurstSize int
}

// LoadFunc supplies the current system load factor in [0, 1] for the
// adaptive strategy.
type LoadFunc func() float64

// Adjustments are the backpressure monitor's advisory overrides, read on
// every check so throttling takes effect within one monitor cycle.
type Adjustments struct {
	// BatchWindow replaces the batch_processing limit window.
	BatchWindow time.Duration

	// DatabaseMaxScale multiplies the database limit budget.
	DatabaseMaxScale float64
}

// AdjustFunc supplies the latest adjustments.
type AdjustFunc func() Adjustments

// Limit names with monitor-driven overrides.
const (
	LimitBatchProcessing = "batch_processing"
	LimitDatabase        = "database"
)

// Limiter enforces named rate limits with server-side atomic scripts so
// concurrent replicas share one budget.
type Limiter struct {
	client *redis.Client
	prefix string
	limits map[string]LimitConfig
	load   LoadFunc
	adjust AdjustFunc
}

// NewLimiter creates a limiter. load and adjust may be nil; adaptive
// limits then run at full budget with no overrides.
func NewLimiter(client *redis.Client, keyPrefix string, limits map[string]LimitConfig, load LoadFunc, adjust AdjustFunc) *Limiter {
	return &Limiter{
		client: client,
		prefix: keyPrefix + "rl:",
		limits: limits,
		load:   load,
		adjust: adjust,
	}
}

// fixedWindowScript counts requests in the current bucket. The expiry is
// set only when the bucket is created.
var fixedWindowScript = redis.NewScript(`
local total = redis.call('INCRBY', KEYS[1], ARGV[1])
if total == tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if total > tonumber(ARGV[3]) then
  return 0
end
return 1`)

// slidingWindowScript trims the window, then admits the request only when
// cost more members still fit.
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
local cost = tonumber(ARGV[3])
if count + cost > tonumber(ARGV[2]) then
  return 0
end
for i = 1, cost do
  redis.call('ZADD', KEYS[1], ARGV[4], ARGV[5] .. ':' .. i)
end
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1`)

// tokenBucketScript refills by elapsed time, then spends cost tokens if
// available. State is a hash of {tokens, ts}.
var tokenBucketScript = redis.NewScript(`
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
local ts = tonumber(redis.call('HGET', KEYS[1], 'ts'))
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local refill = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
if tokens == nil then
  tokens = burst
  ts = now
end
local elapsed = (now - ts) / 1000.0
tokens = math.min(burst, tokens + elapsed * refill)
local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return allowed`)

// Allow charges cost units against the named limit. Unknown names are
// admitted. Returns ErrRateLimited on denial.
func (l *Limiter) Allow(ctx context.Context, name string, cost int) error {
	cfg, ok := l.limits[name]
	if !ok {
		return nil
	}
	if cost < 1 {
		cost = 1
	}

	if l.adjust != nil {
		adj := l.adjust()
		if name == LimitBatchProcessing && adj.BatchWindow > 0 {
			cfg.Window = adj.BatchWindow
		}
		if name == LimitDatabase && adj.DatabaseMaxScale > 0 && adj.DatabaseMaxScale < 1 {
			cfg.MaxRequests = int(float64(cfg.MaxRequests) * adj.DatabaseMaxScale)
			if cfg.MaxRequests < 1 {
				cfg.MaxRequests = 1
			}
		}
	}

	allowed, err := l.check(ctx, name, cfg, cost)
	if err != nil {
		return err
	}
	if !allowed {
		return common.ErrRateLimited
	}
	return nil
}

func (l *Limiter) check(ctx context.Context, name string, cfg LimitConfig, cost int) (bool, error) {
	now := time.Now()
	key := l.prefix + name

	switch cfg.Strategy {
	case FixedWindow:
		bucket := now.UnixMilli() / cfg.Window.Milliseconds()
		res, err := fixedWindowScript.Run(ctx, l.client,
			[]string{fmt.Sprintf("%s:%d", key, bucket)},
			cost, cfg.Window.Milliseconds(), cfg.MaxRequests).Int()
		if err != nil {
			return false, fmt.Errorf("failed to check rate limit %s: %w", name, err)
		}
		return res == 1, nil

	case SlidingWindow:
		return l.sliding(ctx, name, key, cfg.MaxRequests, cfg.Window, cost, now)

	case TokenBucket:
		burst := cfg.BurstSize
		if burst <= 0 {
			burst = cfg.MaxRequests
		}
		refill := float64(cfg.MaxRequests) / cfg.Window.Seconds()
		res, err := tokenBucketScript.Run(ctx, l.client, []string{key},
			now.UnixMilli(), burst, refill, cost, (2 * cfg.Window).Milliseconds()).Int()
		if err != nil {
			return false, fmt.Errorf("failed to check rate limit %s: %w", name, err)
		}
		return res == 1, nil

	case Adaptive:
		// Scale the sliding-window budget down as the system load rises.
		max := int(float64(cfg.MaxRequests) * adaptiveScale(l.currentLoad()))
		if max < 1 {
			max = 1
		}
		return l.sliding(ctx, name, key, max, cfg.Window, cost, now)
	}
	return true, nil
}

func (l *Limiter) sliding(ctx context.Context, name, key string, max int, window time.Duration, cost int, now time.Time) (bool, error) {
	nowMs := now.UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		nowMs-window.Milliseconds(), max, cost, nowMs,
		fmt.Sprintf("%d:%d", nowMs, now.UnixNano()), window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit %s: %w", name, err)
	}
	return res == 1, nil
}

func (l *Limiter) currentLoad() float64 {
	if l.load == nil {
		return 0
	}
	return l.load()
}

// adaptiveScale maps the load factor to a budget multiplier.
func adaptiveScale(load float64) float64 {
	switch {
	case load > 0.9:
		return 0.2
	case load > 0.7:
		return 0.5
	case load > 0.5:
		return 0.8
	default:
		return 1.0
	}
}
