package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
)

var (
	_ taskqueues.QueueCache = (*Cache)(nil)
	_ taskqueues.ClaimCache = (*Cache)(nil)
	_ scheduler.ClaimCache  = (*Cache)(nil)
)

// Cache is the fast tier: per-bot queue lists and the negative claim cache.
type Cache struct {
	mu     sync.Mutex
	now    func() time.Time
	queues map[string][]uint32
	claims map[string]time.Time // key -> expiry
}

// NewCache returns an empty Cache. now defaults to time.Now.
func NewCache(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		now:    now,
		queues: make(map[string][]uint32),
		claims: make(map[string]time.Time),
	}
}

func (c *Cache) GetQueues(_ context.Context, botID string) ([]uint32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[botID]
	return slices.Clone(q), ok, nil
}

func (c *Cache) SetQueues(_ context.Context, botID string, queues []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[botID] = slices.Clone(queues)
	return nil
}

func (c *Cache) DeleteQueues(_ context.Context, botID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queues, botID)
	return nil
}

func (c *Cache) TryClaim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if exp, ok := c.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.claims[key] = now.Add(ttl)
	return true, nil
}

func (c *Cache) IsClaimed(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.claims[key]
	return ok && c.now().Before(exp), nil
}

func (c *Cache) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
	return nil
}
