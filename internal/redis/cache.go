package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
)

var (
	_ taskqueues.QueueCache = (*Cache)(nil)
	_ taskqueues.ClaimCache = (*Cache)(nil)
	_ scheduler.ClaimCache  = (*Cache)(nil)
)

// DefaultQueueTTL bounds how long a cached queue list may be served.
const DefaultQueueTTL = 15 * time.Minute

// Cache stores per-bot queue lists (msgpack encoded) and claim markers.
// Losing any key is safe: queue lists are recomputed from the store and a
// missing claim marker only lets a bot try a transaction that will fail.
type Cache struct {
	client   *redis.Client
	queueTTL time.Duration
}

// NewCache returns a Cache. A zero queueTTL means DefaultQueueTTL.
func NewCache(client *redis.Client, queueTTL time.Duration) *Cache {
	if queueTTL <= 0 {
		queueTTL = DefaultQueueTTL
	}
	return &Cache{client: client, queueTTL: queueTTL}
}

func (c *Cache) GetQueues(ctx context.Context, botID string) ([]uint32, bool, error) {
	data, err := c.client.Get(ctx, queuesKey(botID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get queues for %s: %w", botID, err)
	}
	var queues []uint32
	if err := msgpack.Unmarshal(data, &queues); err != nil {
		return nil, false, fmt.Errorf("decode queues for %s: %w", botID, err)
	}
	return queues, true, nil
}

func (c *Cache) SetQueues(ctx context.Context, botID string, queues []uint32) error {
	data, err := msgpack.Marshal(queues)
	if err != nil {
		return fmt.Errorf("encode queues for %s: %w", botID, err)
	}
	if err := c.client.Set(ctx, queuesKey(botID), data, c.queueTTL).Err(); err != nil {
		return fmt.Errorf("redis set queues for %s: %w", botID, err)
	}
	return nil
}

func (c *Cache) DeleteQueues(ctx context.Context, botID string) error {
	if err := c.client.Del(ctx, queuesKey(botID)).Err(); err != nil {
		return fmt.Errorf("redis delete queues for %s: %w", botID, err)
	}
	return nil
}

// TryClaim sets the marker only if it is absent.
func (c *Cache) TryClaim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, claimKey(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", key, err)
	}
	return ok, nil
}

func (c *Cache) IsClaimed(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, claimKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis check claim %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *Cache) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, claimKey(key)).Err(); err != nil {
		return fmt.Errorf("redis release claim %s: %w", key, err)
	}
	return nil
}
