// Package resilience provides per-resource circuit breakers and
// KV-scripted rate limiters guarding the pipeline's external calls.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/common"
)

// Breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the breaker when reached in closed state.
	FailureThreshold int

	// SuccessThreshold closes the breaker from half-open.
	SuccessThreshold int

	// Timeout is how long an open breaker waits before probing.
	Timeout time.Duration

	// MaxRequestsHalfOpen caps concurrent probes in half-open state.
	MaxRequestsHalfOpen int
}

// DefaultBreakerConfig matches the pipeline defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    3,
		Timeout:             60 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

// Breaker is a three-state protective wrapper around a protected call.
// State changes are mirrored to Redis so replicas converge.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	kv     *redis.Client
	prefix string
	logger *logrus.Entry

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	lastFailure      time.Time
	halfOpenInFlight int
}

// NewBreaker creates a breaker in the closed state. kv may be nil in tests;
// mirroring is then skipped.
func NewBreaker(name string, cfg BreakerConfig, kv *redis.Client, keyPrefix string, logger *logrus.Entry) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg,
		kv:     kv,
		prefix: keyPrefix + "breaker:",
		logger: logger,
		state:  Closed,
	}
}

// State returns the current state, applying the open->half-open timeout
// transition lazily.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen for
// an open breaker and for half-open overflow. Callers must pair a
// successful Allow with exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	switch b.state {
	case Closed:
		return nil
	case Open:
		return common.ErrCircuitOpen
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.MaxRequestsHalfOpen {
			return common.ErrCircuitOpen
		}
		b.halfOpenInFlight++
		return nil
	}
	return nil
}

// RecordSuccess reports a successful protected call.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transition(ctx, Closed)
		}
	}
}

// RecordFailure reports a failed protected call.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(ctx, Open)
		}
	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.transition(ctx, Open)
	}
}

// maybeHalfOpen moves an open breaker to half-open once the timeout since
// the last failure has elapsed. Caller holds the mutex.
func (b *Breaker) maybeHalfOpen() {
	if b.state == Open && time.Since(b.lastFailure) >= b.cfg.Timeout {
		b.transition(context.Background(), HalfOpen)
	}
}

// transition applies a state change, resets counters, and mirrors the new
// state to the KV. Caller holds the mutex.
func (b *Breaker) transition(ctx context.Context, next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next

	switch next {
	case Open:
		b.successCount = 0
		b.halfOpenInFlight = 0
	case HalfOpen:
		b.successCount = 0
		b.halfOpenInFlight = 0
	case Closed:
		b.failureCount = 0
		b.successCount = 0
		b.halfOpenInFlight = 0
	}

	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"breaker": b.name, "from": prev, "to": next,
		}).Info("circuit breaker state change")
	}

	if b.kv != nil {
		fields := map[string]interface{}{
			"state":         string(next),
			"failure_count": b.failureCount,
			"success_count": b.successCount,
			"changed_at":    time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := b.kv.HSet(ctx, b.prefix+b.name, fields).Err(); err != nil && b.logger != nil {
			b.logger.WithError(err).WithField("breaker", b.name).
				Warn("failed to mirror breaker state")
		}
	}
}

// Registry holds breakers by resource name.
type Registry struct {
	cfg    BreakerConfig
	kv     *redis.Client
	prefix string
	logger *logrus.Entry

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with a shared default config.
func NewRegistry(cfg BreakerConfig, kv *redis.Client, keyPrefix string, logger *logrus.Entry) *Registry {
	return &Registry{
		cfg:      cfg,
		kv:       kv,
		prefix:   keyPrefix,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a resource, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg, r.kv, r.prefix, r.logger)
	r.breakers[name] = b
	return b
}

// IsOpen reports whether a resource's breaker currently rejects calls.
func (r *Registry) IsOpen(name string) bool {
	return r.Get(name).State() == Open
}
