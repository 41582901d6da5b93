package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
)

var _ taskqueues.RebuildQueue = (*Queue)(nil)

const retryDelay = time.Second

// Queue is an at-least-once rebuild queue. A payload whose handler fails is
// put back at the tail.
type Queue struct {
	mu      sync.Mutex
	pending []taskqueues.RebuildPayload
	signal  chan struct{}
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) EnqueueRebuild(_ context.Context, p taskqueues.RebuildPayload) error {
	q.mu.Lock()
	q.pending = append(q.pending, p)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued payloads.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) pop() (taskqueues.RebuildPayload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return taskqueues.RebuildPayload{}, false
	}
	p := q.pending[0]
	q.pending = q.pending[1:]
	return p, true
}

func (q *Queue) requeue(p taskqueues.RebuildPayload) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, p)
}

// Drain hands every queued payload to handle once and returns how many
// succeeded. Failed payloads are requeued, except malformed ones which are
// dropped.
func (q *Queue) Drain(ctx context.Context, handle func(context.Context, taskqueues.RebuildPayload) error) (int, error) {
	n := q.Len()
	done := 0
	var errs []error
	for range n {
		p, ok := q.pop()
		if !ok {
			break
		}
		if err := handle(ctx, p); err != nil {
			if !errors.Is(err, taskqueues.ErrMalformedPayload) {
				q.requeue(p)
			}
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// Run drains the queue whenever payloads arrive until ctx is cancelled.
// Requeued payloads are retried after retryDelay.
func (q *Queue) Run(ctx context.Context, handle func(context.Context, taskqueues.RebuildPayload) error, logger *slog.Logger) error {
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.signal:
		case <-retry:
		}
		retry = nil
		if _, err := q.Drain(ctx, handle); err != nil {
			logger.Warn("rebuild failed, requeued", slog.String("error", err.Error()))
			if q.Len() > 0 {
				retry = time.After(retryDelay)
			}
		}
	}
}
