// Package cache stores derived queue stats in Redis so every replica serves
// the same rollup between recomputations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"qms/token-service/internal/stats"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "token-service:stats:"

type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatsCache(client *redis.Client, ttl time.Duration) *StatsCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StatsCache{client: client, ttl: ttl}
}

func (c *StatsCache) Get(ctx context.Context, queueID string) (stats.Stats, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+queueID).Bytes()
	if errors.Is(err, redis.Nil) {
		return stats.Stats{}, false, nil
	}
	if err != nil {
		return stats.Stats{}, false, err
	}
	var value stats.Stats
	if err := json.Unmarshal(raw, &value); err != nil {
		return stats.Stats{}, false, err
	}
	return value, true, nil
}

func (c *StatsCache) Set(ctx context.Context, value stats.Stats) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+value.QueueID, raw, c.ttl).Err()
}

// NewRedisClient returns nil when addr is empty or the server does not
// answer a ping within two seconds; callers then run without a cache.
func NewRedisClient(addr, password string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}
