// Package scheduler turns the dimension queue index into task assignment: it
// owns the pending ledger, the bot lease protocol, retries after bot death,
// cancellation and completion notifications.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/backoff"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/retry"
)

// errSkip aborts a transaction without writing and without an error for the
// caller.
var errSkip = errors.New("skip")

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg      Config
	store    Store
	index    Index
	claims   ClaimCache
	notifier Notifier

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func(now time.Time) taskrequest.RequestID
	poll   backoff.Poll
}

// New builds a Scheduler.
func New(cfg Config, store Store, index Index, claims ClaimCache, notifier Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		index:    index,
		claims:   claims,
		notifier: notifier,
		logger:   slog.Default(),
		tracer:   otel.Tracer("scheduler"),
		now:      time.Now,
		newID:    taskrequest.RandomRequestID,
		poll:     backoff.DefaultPoll(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// update runs fn in a request transaction, retrying lost races.
func (s *Scheduler) update(ctx context.Context, id taskrequest.RequestID, fn func(g *TaskGroup) error) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: s.cfg.TransactionAttempts,
		Backoff:     backoff.DefaultStrategy(),
		Retryable:   domain.IsConflict,
		OnRetry: func(attempt int, err error) {
			s.logger.Debug("transaction conflict, retrying",
				slog.String("task_id", id.TaskID()),
				slog.Int("attempt", attempt),
			)
		},
	}, func() error {
		return s.store.UpdateGroup(ctx, id, fn)
	})
}

// ExponentialBackoff returns how long a bot that found no work should wait
// before polling again.
func (s *Scheduler) ExponentialBackoff(attempt int) time.Duration {
	return s.poll.Delay(attempt)
}

// GetRequest returns a request by its summary or run id.
func (s *Scheduler) GetRequest(ctx context.Context, taskID string) (*taskrequest.TaskRequest, error) {
	g, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return g.Request, nil
}

// GetResultSummary returns the summary of a request by its summary or run id.
func (s *Scheduler) GetResultSummary(ctx context.Context, taskID string) (*TaskResultSummary, error) {
	g, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return g.Summary, nil
}

// GetRunResult returns one try by its run id.
func (s *Scheduler) GetRunResult(ctx context.Context, runID string) (*TaskRunResult, error) {
	id, try, err := taskrequest.ParseTaskID(runID)
	if err != nil {
		return nil, &domain.TaskNotFoundError{TaskID: runID}
	}
	g, err := s.store.LoadGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	run := g.Run(try)
	if run == nil {
		return nil, &domain.TaskNotFoundError{TaskID: runID}
	}
	return run, nil
}

func (s *Scheduler) load(ctx context.Context, taskID string) (*TaskGroup, error) {
	id, _, err := taskrequest.ParseTaskID(taskID)
	if err != nil {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return s.store.LoadGroup(ctx, id)
}
