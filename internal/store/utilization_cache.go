package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetd/internal/fleet"
)

const DefaultUtilizationTTL = 2 * time.Minute

// UtilizationCache mirrors probe results into Redis so other panel processes
// can read them without probing. Entries expire on their own.
type UtilizationCache struct {
	Redis *redis.Client
	TTL   time.Duration
}

func utilizationKey(nodeID string) string {
	return "fleet:util:" + nodeID
}

func (c *UtilizationCache) ttl() time.Duration {
	if c.TTL <= 0 {
		return DefaultUtilizationTTL
	}
	return c.TTL
}

func (c *UtilizationCache) PutUtilization(ctx context.Context, items []fleet.NodeUtilization) error {
	pipe := c.Redis.TxPipeline()
	for _, u := range items {
		raw, err := json.Marshal(u)
		if err != nil {
			return err
		}
		pipe.Set(ctx, utilizationKey(u.NodeID), raw, c.ttl())
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetUtilization returns false when the entry is missing or expired.
func (c *UtilizationCache) GetUtilization(ctx context.Context, nodeID string) (fleet.NodeUtilization, bool, error) {
	raw, err := c.Redis.Get(ctx, utilizationKey(nodeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return fleet.NodeUtilization{}, false, nil
	}
	if err != nil {
		return fleet.NodeUtilization{}, false, err
	}
	var u fleet.NodeUtilization
	if err := json.Unmarshal(raw, &u); err != nil {
		return fleet.NodeUtilization{}, false, err
	}
	return u, true, nil
}

func (c *UtilizationCache) ForgetUtilization(ctx context.Context, nodeID string) error {
	return c.Redis.Del(ctx, utilizationKey(nodeID)).Err()
}
