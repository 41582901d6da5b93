// Package redis is the fast cache tier of the dispatcher: per-bot queue
// lists, the negative claim cache, rebuild enqueue suppression and the lease
// that elects one maintenance runner.
package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dispatch:"

func queuesKey(botID string) string { return keyPrefix + "queues:" + botID }
func claimKey(key string) string    { return keyPrefix + "claim:" + key }
func throttleKey(key string) string { return keyPrefix + "rebuild:" + key }
func leaderKey(name string) string  { return keyPrefix + "leader:" + name }

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     20,
	})
}
