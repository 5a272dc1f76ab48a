package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// historyLength caps the retained sizing observations.
const historyLength = 200

// Observation is one completed batch outcome used for sizing feedback.
type Observation struct {
	LoadFactor  float64   `json:"load_factor"`
	Size        int       `json:"size"`
	SuccessRate float64   `json:"success_rate"`
	At          time.Time `json:"at"`
}

// History stores sizing observations in Redis so every planner replica
// learns from every batch.
type History struct {
	client *redis.Client
	key    string
}

// NewHistory creates the history store.
func NewHistory(client *redis.Client, keyPrefix string) *History {
	return &History{client: client, key: keyPrefix + "planner:history"}
}

// Record appends a batch outcome, trimming to the retention cap.
func (h *History) Record(ctx context.Context, obs Observation) error {
	if obs.At.IsZero() {
		obs.At = time.Now().UTC()
	}
	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to encode sizing observation: %w", err)
	}
	pipe := h.client.Pipeline()
	pipe.LPush(ctx, h.key, payload)
	pipe.LTrim(ctx, h.key, 0, historyLength-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record sizing observation: %w", err)
	}
	return nil
}

// BestSize returns the batch size with the best success rate among
// observations taken under similar load (|Δload| < 0.1). Reports false
// when no comparable observation exists.
func (h *History) BestSize(ctx context.Context, load float64) (int, bool) {
	raw, err := h.client.LRange(ctx, h.key, 0, historyLength-1).Result()
	if err != nil {
		return 0, false
	}

	bestSize := 0
	bestRate := -1.0
	for _, item := range raw {
		var obs Observation
		if err := json.Unmarshal([]byte(item), &obs); err != nil {
			continue
		}
		delta := obs.LoadFactor - load
		if delta < 0 {
			delta = -delta
		}
		if delta >= 0.1 {
			continue
		}
		if obs.SuccessRate > bestRate {
			bestRate = obs.SuccessRate
			bestSize = obs.Size
		}
	}
	if bestSize == 0 {
		return 0, false
	}
	return bestSize, true
}
