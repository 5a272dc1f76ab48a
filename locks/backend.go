// Package locks provides distributed leases backed by Redis with an
// optional relational advisory path for critical keys. Exclusive acquire is
// atomic; only the owner may renew or release; expired locks are reclaimed
// by TTL in Redis and by the sweeper in Postgres.
package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/db"
)

// Backend is the capability set a lock store must provide.
type Backend interface {
	// TryAcquire creates the lock if absent, or extends it when owner
	// already holds it. Returns false when another owner holds the key.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration, metadata map[string]string) (bool, error)

	// TryRenew extends the lock only for the current owner.
	TryRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release deletes the lock only for the current owner.
	Release(ctx context.Context, key, owner string) (bool, error)

	// SweepExpired removes locks whose expiry has passed and returns the
	// number removed.
	SweepExpired(ctx context.Context) (int64, error)
}

// acquireScript atomically creates the lock or renews it for the same
// owner. Returns 1 on create, 2 on renew, 0 on denial.
var acquireScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if v == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 2
end
return 0`)

// renewScript extends the TTL only when the current owner matches.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0`)

// releaseScript deletes the key only when the current owner matches.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)

// RedisBackend is the fast primary lock store. Expiry is enforced by Redis
// key TTLs.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates the Redis lock backend.
func NewRedisBackend(client *redis.Client, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: keyPrefix + "lock:"}
}

func (b *RedisBackend) key(key string) string { return b.prefix + key }

// TryAcquire implements Backend.
func (b *RedisBackend) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration, _ map[string]string) (bool, error) {
	res, err := acquireScript.Run(ctx, b.client, []string{b.key(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return res > 0, nil
}

// TryRenew implements Backend.
func (b *RedisBackend) TryRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, b.client, []string{b.key(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %s: %w", key, err)
	}
	return res == 1, nil
}

// Release implements Backend.
func (b *RedisBackend) Release(ctx context.Context, key, owner string) (bool, error) {
	res, err := releaseScript.Run(ctx, b.client, []string{b.key(key)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return res == 1, nil
}

// SweepExpired implements Backend. Redis reclaims expired keys itself, so
// the sweep only removes stray keys left without a TTL.
func (b *RedisBackend) SweepExpired(ctx context.Context) (int64, error) {
	var removed int64
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := b.client.PTTL(ctx, key).Result()
		if err != nil {
			continue
		}
		if ttl == -1 {
			if b.client.Del(ctx, key).Val() > 0 {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to sweep redis locks: %w", err)
	}
	return removed, nil
}

// AdvisoryBackend is the relational lock store used for critical and
// advisory locks. A transaction-scoped advisory lock on the 32-bit key hash
// serializes the check-and-set over the distributed_locks table.
type AdvisoryBackend struct {
	db *db.PostgresDB
}

// NewAdvisoryBackend creates the Postgres lock backend.
func NewAdvisoryBackend(pg *db.PostgresDB) *AdvisoryBackend {
	return &AdvisoryBackend{db: pg}
}

// TryAcquire implements Backend.
func (b *AdvisoryBackend) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration, metadata map[string]string) (bool, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode lock metadata: %w", err)
	}

	tx, err := b.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var got bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, int64(common.AdvisoryLockID(key))).Scan(&got); err != nil {
		return false, fmt.Errorf("failed to take advisory lock for %s: %w", key, err)
	}
	if !got {
		return false, nil
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO distributed_locks (key, owner, lock_type, acquired_at, expires_at, metadata)
		VALUES ($1, $2, 'advisory', NOW(), NOW() + $3::interval, $4)
		ON CONFLICT (key) DO UPDATE SET
		        owner = EXCLUDED.owner,
		        acquired_at = NOW(),
		        expires_at = EXCLUDED.expires_at,
		        metadata = EXCLUDED.metadata,
		        renewal_count = 0
		WHERE distributed_locks.owner = EXCLUDED.owner
		   OR distributed_locks.expires_at < NOW()`,
		key, owner, ttl.String(), meta)
	if err != nil {
		return false, fmt.Errorf("failed to upsert lock row %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit lock %s: %w", key, err)
	}
	return true, nil
}

// TryRenew implements Backend.
func (b *AdvisoryBackend) TryRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := b.db.Pool().Exec(ctx, `
		UPDATE distributed_locks
		SET expires_at = NOW() + $1::interval, renewal_count = renewal_count + 1
		WHERE key = $2 AND owner = $3 AND expires_at > NOW()`,
		ttl.String(), key, owner)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock row %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release implements Backend.
func (b *AdvisoryBackend) Release(ctx context.Context, key, owner string) (bool, error) {
	tag, err := b.db.Pool().Exec(ctx,
		`DELETE FROM distributed_locks WHERE key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return false, fmt.Errorf("failed to release lock row %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SweepExpired implements Backend.
func (b *AdvisoryBackend) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := b.db.Pool().Exec(ctx,
		`DELETE FROM distributed_locks WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep lock rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
