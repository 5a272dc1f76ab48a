package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/locks"
	"github.com/langgraphsystem/rssnews-sub002/metrics"
)

var errInvalid = common.ErrInvalidTransition

const (
	cacheTTL      = 300 * time.Second
	lockTTL       = 60 * time.Second
	historyLength = 50
)

// Store is the relational side of the manager: the entity row is the
// source of truth the cache shadows. *db.PostgresDB satisfies it.
type Store interface {
	Exec(ctx context.Context, sql string, args ...interface{}) error
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Manager executes state transitions. Each transition is serialized by an
// entity-scoped lock so concurrent workers cannot interleave updates.
type Manager struct {
	machines map[string]*Machine
	lockMgr  *locks.Manager
	kv       *redis.Client
	store    Store
	prefix   string
	sink     *metrics.Sink
	logger   *logrus.Entry
	owner    string
}

// NewManager creates the manager with the batch and article machines
// registered.
func NewManager(lockMgr *locks.Manager, kv *redis.Client, store Store, keyPrefix, owner string, sink *metrics.Sink, logger *logrus.Entry) *Manager {
	return &Manager{
		machines: map[string]*Machine{
			EntityBatch:   BatchMachine(),
			EntityArticle: ArticleMachine(),
		},
		lockMgr: lockMgr,
		kv:      kv,
		store:   store,
		prefix:  keyPrefix + "state:",
		sink:    sink,
		logger:  logger,
		owner:   owner,
	}
}

func (m *Manager) currentKey(entityType, id string) string {
	return m.prefix + "cur:" + entityType + ":" + id
}

func (m *Manager) historyKey(entityType, id string) string {
	return m.prefix + "hist:" + entityType + ":" + id
}

// Transition moves the entity along the (current, trigger) edge. Returns
// false with ErrInvalidTransition when no edge exists, false with
// ErrLockDenied when another worker holds the entity.
func (m *Manager) Transition(ctx context.Context, entityType, entityID, trigger string, metadata map[string]string) (bool, error) {
	machine, ok := m.machines[entityType]
	if !ok {
		return false, fmt.Errorf("unknown entity type %q", entityType)
	}

	lockKey := "state:" + entityType + ":" + entityID
	handle, outcome, err := m.lockMgr.Acquire(ctx, lockKey, m.owner, lockTTL,
		locks.Options{Type: locks.Exclusive, AutoRenew: false})
	if outcome != locks.Acquired {
		return false, err
	}
	defer func() {
		if _, err := m.lockMgr.Release(context.Background(), handle); err != nil {
			m.logger.WithError(err).WithField("key", lockKey).Warn("failed to release state lock")
		}
	}()

	current, err := m.Current(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}

	edge, err := machine.Lookup(current, trigger)
	if err != nil {
		if m.sink != nil {
			m.sink.Incr("state.invalid_transitions", 1,
				map[string]string{"entity_type": entityType, "trigger": trigger})
		}
		return false, err
	}

	for _, guard := range edge.Guards {
		if err := guard(ctx, entityID, metadata); err != nil {
			return false, fmt.Errorf("transition %s/%s guarded: %w", current, trigger, err)
		}
	}

	if err := m.persist(ctx, entityType, entityID, edge.To); err != nil {
		return false, err
	}
	m.cache(ctx, entityType, entityID, edge.To)
	m.appendHistory(ctx, entityType, entityID, auditRecord{
		From: current, To: edge.To, Trigger: trigger,
		Metadata: metadata, At: time.Now().UTC(),
	})

	for _, action := range edge.Actions {
		action(ctx, entityID, metadata)
	}

	if m.sink != nil {
		m.sink.Incr("state.transitions", 1, map[string]string{
			"entity_type": entityType, "from": current, "to": edge.To,
		})
	}
	m.logger.WithFields(logrus.Fields{
		"entity_type": entityType, "entity_id": entityID,
		"from": current, "to": edge.To, "trigger": trigger,
	}).Debug("state transition")
	return true, nil
}

// Current reads the entity state from the cache, falling back to the
// relational row on a miss.
func (m *Manager) Current(ctx context.Context, entityType, entityID string) (string, error) {
	if m.kv != nil {
		val, err := m.kv.Get(ctx, m.currentKey(entityType, entityID)).Result()
		if err == nil && val != "" {
			return val, nil
		}
		if err != nil && err != redis.Nil {
			m.logger.WithError(err).Warn("state cache read failed, falling back to database")
		}
	}

	state, err := m.loadRow(ctx, entityType, entityID)
	if err != nil {
		return "", err
	}
	m.cache(ctx, entityType, entityID, state)
	return state, nil
}

// History returns the most recent audit records, newest first.
func (m *Manager) History(ctx context.Context, entityType, entityID string, limit int) ([]auditRecord, error) {
	if m.kv == nil {
		return nil, nil
	}
	if limit <= 0 || limit > historyLength {
		limit = historyLength
	}
	raw, err := m.kv.LRange(ctx, m.historyKey(entityType, entityID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load state history: %w", err)
	}
	records := make([]auditRecord, 0, len(raw))
	for _, item := range raw {
		var rec auditRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *Manager) loadRow(ctx context.Context, entityType, entityID string) (string, error) {
	var state string
	var err error
	switch entityType {
	case EntityBatch:
		err = m.store.QueryRow(ctx,
			`SELECT status FROM batches WHERE batch_id = $1`, entityID).Scan(&state)
	case EntityArticle:
		err = m.store.QueryRow(ctx,
			`SELECT status FROM raw_articles WHERE id = $1::bigint`, entityID).Scan(&state)
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load %s %s state: %w", entityType, entityID, err)
	}
	return state, nil
}

func (m *Manager) persist(ctx context.Context, entityType, entityID, state string) error {
	var err error
	switch entityType {
	case EntityBatch:
		err = m.store.Exec(ctx,
			`UPDATE batches SET status = $1 WHERE batch_id = $2`,
			state, entityID)
	case EntityArticle:
		err = m.store.Exec(ctx,
			`UPDATE raw_articles SET status = $1 WHERE id = $2::bigint`,
			state, entityID)
	}
	if err != nil {
		return fmt.Errorf("failed to persist %s %s state: %w", entityType, entityID, err)
	}
	return nil
}

func (m *Manager) cache(ctx context.Context, entityType, entityID, state string) {
	if m.kv == nil {
		return
	}
	if err := m.kv.Set(ctx, m.currentKey(entityType, entityID), state, cacheTTL).Err(); err != nil {
		m.logger.WithError(err).Warn("failed to cache entity state")
	}
}

func (m *Manager) appendHistory(ctx context.Context, entityType, entityID string, rec auditRecord) {
	if m.kv == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	key := m.historyKey(entityType, entityID)
	pipe := m.kv.Pipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, historyLength-1)
	pipe.Expire(ctx, key, 7*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.WithError(err).Warn("failed to append state history")
	}
}
