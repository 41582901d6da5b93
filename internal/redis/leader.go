package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only while this instance still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Leader is a lease held by at most one instance at a time.
type Leader struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
}

// NewLeader returns a lease named name. The lease lapses ttl after the last
// successful Acquire, so a crashed holder is replaced.
func NewLeader(client *redis.Client, name string, ttl time.Duration) *Leader {
	return &Leader{client: client, key: leaderKey(name), id: uuid.NewString(), ttl: ttl}
}

// ID identifies this instance.
func (l *Leader) ID() string { return l.id }

// Acquire takes the lease when it is free and renews it when this instance
// already holds it. It reports whether this instance is the leader.
func (l *Leader) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis renew %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release gives the lease up if this instance holds it.
func (l *Leader) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.id).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", l.key, err)
	}
	return nil
}
