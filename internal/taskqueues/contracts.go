package taskqueues

import (
	"context"
	"time"
)

// Store is the authoritative storage of the index. Reads of a directly keyed
// record must observe prior writes.
type Store interface {
	// GetBotDimensions returns nil when the bot has no record.
	GetBotDimensions(ctx context.Context, botID string) (*BotDimensions, error)
	PutBotDimensions(ctx context.Context, bd *BotDimensions) error
	DeleteBotDimensions(ctx context.Context, botID string) error
	// FindBots returns ids of bots whose dimensions contain every entry of
	// flat. limit <= 0 means no limit.
	FindBots(ctx context.Context, flat []string, limit int) ([]string, error)

	// GetBotTaskDimensions returns nil when absent.
	GetBotTaskDimensions(ctx context.Context, botID string, hash uint32) (*BotTaskDimensions, error)
	ListBotTaskDimensions(ctx context.Context, botID string) ([]*BotTaskDimensions, error)
	PutBotTaskDimensions(ctx context.Context, btd *BotTaskDimensions) error
	DeleteBotTaskDimensions(ctx context.Context, botID string, hash uint32) error
	DeleteAllBotTaskDimensions(ctx context.Context, botID string) error
	ListStaleBotTaskDimensions(ctx context.Context, before time.Time) ([]*BotTaskDimensions, error)
	// DeleteBotTaskDimensionsIfStale deletes the record only if it is still
	// valid until before now, and reports whether it did.
	DeleteBotTaskDimensionsIfStale(ctx context.Context, botID string, hash uint32, now time.Time) (bool, error)

	// GetTaskDimensions returns nil when absent.
	GetTaskDimensions(ctx context.Context, root string, hash uint32) (*TaskDimensions, error)
	ListTaskDimensions(ctx context.Context, root string) ([]*TaskDimensions, error)
	// ListStaleTaskDimensions lists records holding a set valid until before
	// the given time.
	ListStaleTaskDimensions(ctx context.Context, before time.Time) ([]TaskDimensionsKey, error)
	// UpdateTaskDimensions runs fn in an optimistic transaction on one
	// record. fn gets the current value (no sets when absent) and reports
	// whether it changed it. A record left without sets is deleted. A lost
	// race returns *domain.ConcurrentUpdateError.
	UpdateTaskDimensions(ctx context.Context, root string, hash uint32, fn func(td *TaskDimensions) bool) error
}

// QueueCache is the fast tier holding each bot's sorted queue numbers.
type QueueCache interface {
	// GetQueues reports ok=false on a miss.
	GetQueues(ctx context.Context, botID string) (queues []uint32, ok bool, err error)
	SetQueues(ctx context.Context, botID string, queues []uint32) error
	DeleteQueues(ctx context.Context, botID string) error
}

// ClaimCache is the negative cache of ledger entries recently taken, so
// concurrent polls skip them without a transaction.
type ClaimCache interface {
	// TryClaim marks key as taken for ttl. It returns false when the key was
	// already taken.
	TryClaim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsClaimed(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RebuildQueue delivers rebuild payloads at least once to a worker calling
// Index.RebuildTaskCache.
type RebuildQueue interface {
	EnqueueRebuild(ctx context.Context, p RebuildPayload) error
}

// RebuildThrottle suppresses repeated rebuild enqueues for the same key.
type RebuildThrottle interface {
	Allow(ctx context.Context, key string) (bool, error)
}
