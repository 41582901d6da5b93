package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
)

var _ taskqueues.RebuildThrottle = (*RebuildThrottle)(nil)

// RebuildThrottle suppresses repeated rebuild enqueues for the same
// requirement set using a sliding-window count per key.
type RebuildThrottle struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRebuildThrottle allows at most limit enqueues per key within window.
func NewRebuildThrottle(client *redis.Client, limit int, window time.Duration) *RebuildThrottle {
	return &RebuildThrottle{client: client, limit: limit, window: window, now: time.Now}
}

// Allow records an enqueue attempt for key and reports whether it is within
// the limit. A sorted set serves as the timestamp ring buffer.
func (r *RebuildThrottle) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := throttleKey(key)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10)})
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rebuild throttle pipeline for %q: %w", key, err)
	}
	return countCmd.Val() <= int64(r.limit), nil
}
