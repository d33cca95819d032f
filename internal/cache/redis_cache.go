package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func tallyKey(pollID string) string {
	return fmt.Sprintf("poll:tally:%s", pollID)
}

func (c *RedisCache) StoreTally(ctx context.Context, pollID string, snap Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, tallyKey(pollID), b, c.ttl).Err()
}

func (c *RedisCache) GetTally(ctx context.Context, pollID string) (Snapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, tallyKey(pollID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
