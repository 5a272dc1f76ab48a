package locks

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/common"
)

// LockType selects the coordination mode.
type LockType string

const (
	Exclusive LockType = "exclusive"
	Shared    LockType = "shared"
	Advisory  LockType = "advisory"
)

// Outcome of an acquire attempt.
type Outcome string

const (
	Acquired Outcome = "acquired"
	Denied   Outcome = "denied"
	Errored  Outcome = "error"
)

// Options tune a single acquire.
type Options struct {
	Type      LockType
	AutoRenew bool
	Metadata  map[string]string
}

// DefaultOptions is an exclusive auto-renewed lock.
func DefaultOptions() Options {
	return Options{Type: Exclusive, AutoRenew: true}
}

// Handle represents a held lock. Release stops auto-renewal and removes the
// lock from all backends that hold it.
type Handle struct {
	Key      string
	Owner    string
	TTL      time.Duration
	critical bool

	mgr      *Manager
	cancelMu sync.Mutex
	cancel   context.CancelFunc
	renewals int
}

// Renewals returns how many times the background worker extended the lease.
func (h *Handle) Renewals() int {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	return h.renewals
}

// Manager coordinates the primary Redis backend and the optional relational
// advisory backend with an explicit two-phase acquire: KV first, advisory
// second, KV rolled back when the advisory phase fails.
type Manager struct {
	primary   Backend
	secondary Backend
	logger    *logrus.Entry
}

// NewManager creates a lock manager. secondary may be nil; critical and
// advisory locks then degrade to KV-only.
func NewManager(primary, secondary Backend, logger *logrus.Entry) *Manager {
	return &Manager{primary: primary, secondary: secondary, logger: logger}
}

// Acquire attempts to take the lock. Transient KV errors are retried with
// jittered backoff before giving up.
func (m *Manager) Acquire(ctx context.Context, key, owner string, ttl time.Duration, opts Options) (*Handle, Outcome, error) {
	var ok bool
	attempt := func() error {
		var err error
		ok, err = m.primary.TryAcquire(ctx, key, owner, ttl, opts.Metadata)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, Errored, err
	}
	if !ok {
		return nil, Denied, common.ErrLockDenied
	}

	critical := opts.Metadata["critical"] == "true" || opts.Type == Advisory
	if critical && m.secondary != nil {
		got, err := m.secondary.TryAcquire(ctx, key, owner, ttl, opts.Metadata)
		if err != nil || !got {
			// Roll back the KV lock so the two backends cannot disagree
			// about ownership.
			if _, relErr := m.primary.Release(ctx, key, owner); relErr != nil {
				m.logger.WithError(relErr).WithField("key", key).
					Warn("failed to roll back KV lock after advisory denial")
			}
			if err != nil {
				return nil, Denied, err
			}
			return nil, Denied, common.ErrLockDenied
		}
	}

	h := &Handle{Key: key, Owner: owner, TTL: ttl, critical: critical, mgr: m}
	if opts.AutoRenew {
		renewCtx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		go m.renewLoop(renewCtx, h)
	}
	return h, Acquired, nil
}

// renewLoop extends the lease at max(ttl/3, 30s) until cancelled or the
// lock is lost.
func (m *Manager) renewLoop(ctx context.Context, h *Handle) {
	interval := h.TTL / 3
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.Renew(ctx, h)
			if err != nil {
				m.logger.WithError(err).WithField("key", h.Key).Warn("lock renewal failed")
				continue
			}
			if !ok {
				m.logger.WithField("key", h.Key).Warn("lock lost, stopping renewal")
				return
			}
		}
	}
}

// Renew extends the lease in every backend holding it. Only the current
// owner may extend.
func (m *Manager) Renew(ctx context.Context, h *Handle) (bool, error) {
	ok, err := m.primary.TryRenew(ctx, h.Key, h.Owner, h.TTL)
	if err != nil || !ok {
		return ok, err
	}
	if h.critical && m.secondary != nil {
		if _, err := m.secondary.TryRenew(ctx, h.Key, h.Owner, h.TTL); err != nil {
			return true, err
		}
	}
	h.cancelMu.Lock()
	h.renewals++
	h.cancelMu.Unlock()
	return true, nil
}

// Release removes the lock. A non-owner release reports denied.
func (m *Manager) Release(ctx context.Context, h *Handle) (Outcome, error) {
	h.cancelMu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.cancelMu.Unlock()

	ok, err := m.primary.Release(ctx, h.Key, h.Owner)
	if err != nil {
		return Errored, err
	}
	if h.critical && m.secondary != nil {
		if _, err := m.secondary.Release(ctx, h.Key, h.Owner); err != nil {
			m.logger.WithError(err).WithField("key", h.Key).
				Warn("failed to release advisory lock")
		}
	}
	if !ok {
		return Denied, common.ErrLockDenied
	}
	return Acquired, nil
}

// SweepExpired deletes expired locks in both backends and returns the
// total count.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	total, err := m.primary.SweepExpired(ctx)
	if err != nil {
		return total, err
	}
	if m.secondary != nil {
		n, err := m.secondary.SweepExpired(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
