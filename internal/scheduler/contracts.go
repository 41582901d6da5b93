package scheduler

import (
	"context"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

// Store persists request groups with per-request optimistic transactions.
type Store interface {
	// CreateRequest inserts a new group. A taken request id returns
	// *domain.DuplicateRequestError.
	CreateRequest(ctx context.Context, g *TaskGroup) error
	// LoadGroup returns the group or *domain.TaskNotFoundError.
	LoadGroup(ctx context.Context, id taskrequest.RequestID) (*TaskGroup, error)
	// UpdateGroup loads the group, runs fn and commits what fn changed. A
	// non-nil error from fn aborts without writing. A lost race returns
	// *domain.ConcurrentUpdateError.
	UpdateGroup(ctx context.Context, id taskrequest.RequestID, fn func(g *TaskGroup) error) error

	// ListToRun returns reapable ledger entries in the given queues, ordered
	// by TaskToRun.Less. When after is set only entries ordered strictly
	// after it are returned.
	ListToRun(ctx context.Context, queues []uint32, after *TaskToRun, limit int) ([]*TaskToRun, error)
	// ListExpiredToRun returns reapable entries whose slice expired before
	// now.
	ListExpiredToRun(ctx context.Context, now time.Time, limit int) ([]*TaskToRun, error)
	// ListStaleRunning returns RUNNING tries last modified before the given
	// time.
	ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]*TaskRunResult, error)
	// FindDedupCandidate returns the most recent summary created after the
	// given time whose PropertiesHash equals hash, or nil.
	FindDedupCandidate(ctx context.Context, hash []byte, after time.Time) (*TaskResultSummary, error)
	// ListPendingNotifications returns requests whose completion
	// notification has not been delivered yet.
	ListPendingNotifications(ctx context.Context, limit int) ([]taskrequest.RequestID, error)
}

// Index is the part of the dimension queue index the scheduler drives.
type Index interface {
	AssertTask(ctx context.Context, req *taskrequest.TaskRequest) error
	AssertBot(ctx context.Context, bot domain.Dimensions) error
	GetQueues(ctx context.Context, botID string) ([]uint32, error)
	ProbeCapacity(ctx context.Context, dims domain.Dimensions) (bool, error)
}

// Notifier delivers completion notifications. An error means the caller must
// retry.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ClaimCache is the negative cache of recently claimed ledger entries.
type ClaimCache interface {
	TryClaim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsClaimed(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}
