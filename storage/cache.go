package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"canvas-sync/internal/consts"
)

// Cache keeps the serialized snapshot response per board in Redis so hot
// reads skip the store. Redis failures degrade to the store without
// failing the request.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a snapshot cache using the provided Redis client and TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{redis: client, ttl: ttl}
}

// Get returns the cached snapshot payload for a board, if present.
func (c *Cache) Get(ctx context.Context, board string) ([]byte, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, snapshotKey(board)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the store without failing.
			_ = c.redis.Del(ctx, snapshotKey(board)).Err()
		}
		return nil, false
	}
	return data, true
}

// Set stores a board's snapshot payload.
func (c *Cache) Set(ctx context.Context, board string, payload []byte) {
	if c == nil || c.redis == nil || c.ttl == 0 {
		return
	}
	_ = c.redis.Set(ctx, snapshotKey(board), payload, c.ttl).Err()
}

// Evict drops a board's cached snapshot after an accepted mutation.
func (c *Cache) Evict(ctx context.Context, board string) {
	if c == nil || c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, snapshotKey(board)).Result()
}

func snapshotKey(board string) string {
	return consts.TasksKeyPrefix + board
}
