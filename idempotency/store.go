// Package idempotency provides the "operation done -> result" cache that
// turns at-least-once task delivery into at-most-once effect. Workers mark
// a key in progress before doing work, store the terminal result when done,
// and consult the completed cache before starting.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/langgraphsystem/rssnews-sub002/common"
)

// Store is the Redis-backed idempotency cache.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore creates an idempotency store.
func NewStore(client *redis.Client, keyPrefix string) *Store {
	return &Store{client: client, prefix: keyPrefix + "idem:"}
}

func (s *Store) progressKey(key string) string { return s.prefix + "progress:" + key }
func (s *Store) resultKey(key string) string   { return s.prefix + "result:" + key }

// MarkInProgress atomically claims the key. Returns ErrAlreadyInProgress
// when a concurrent worker holds the claim.
func (s *Store) MarkInProgress(ctx context.Context, key string, ttl time.Duration, metadata map[string]string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"claimed_at": time.Now().UTC().Format(time.RFC3339Nano),
		"metadata":   metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to encode progress marker: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.progressKey(key), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to mark %s in progress: %w", key, err)
	}
	if !ok {
		return common.ErrAlreadyInProgress
	}
	return nil
}

// MarkCompleted stores the terminal result for the key.
func (s *Store) MarkCompleted(ctx context.Context, key string, result interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result for %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.resultKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", key, err)
	}
	return nil
}

// IsCompleted returns the stored result decoded into out, reporting whether
// a result exists. Writers must skip work on a hit.
func (s *Store) IsCompleted(ctx context.Context, key string, out interface{}) (bool, error) {
	payload, err := s.client.Get(ctx, s.resultKey(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check completion of %s: %w", key, err)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return false, fmt.Errorf("failed to decode result for %s: %w", key, err)
		}
	}
	return true, nil
}

// ClearProgress removes the in-progress marker.
func (s *Store) ClearProgress(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.progressKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear progress for %s: %w", key, err)
	}
	return nil
}
