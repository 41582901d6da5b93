package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/backoff"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/retry"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/telemetry"
)

// idAttempts bounds how many fresh ids are tried when the store reports a
// request id collision.
const idAttempts = 8

// ScheduleRequest stores an initialized request and makes it claimable.
// secret is the request's secret payload, mixed into dedup fingerprints.
//
// The returned summary is DEDUPED when a recent successful run of identical
// idempotent properties exists, NO_RESOURCE when no slice can ever find a
// bot, and PENDING otherwise.
func (s *Scheduler) ScheduleRequest(ctx context.Context, req *taskrequest.TaskRequest, secret []byte) (*TaskResultSummary, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.ScheduleRequest")
	defer span.End()

	if req.CreatedAt.IsZero() {
		return nil, domain.Invalid("request", "not initialized")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.now()

	g := &TaskGroup{Request: req, Summary: newSummary(req, now)}
	for i := range req.TaskSlices {
		props := req.TaskSlices[i].Properties
		var fp []byte
		if props.Idempotent {
			h, err := taskrequest.PropertiesHash(props, secret)
			if err != nil {
				return nil, fmt.Errorf("fingerprint slice %d: %w", i, err)
			}
			fp = h
		}
		g.Summary.SliceFingerprints = append(g.Summary.SliceFingerprints, fp)
	}

	src, slice, err := s.findDedupSource(ctx, g.Summary.SliceFingerprints, now)
	if err != nil {
		return nil, err
	}

	switch {
	case src != nil:
		applyDedup(g, src, slice, now)

	default:
		next, err := s.nextSlice(ctx, req, 0, now)
		if err != nil {
			return nil, err
		}
		if next < 0 {
			g.Summary.AbandonedAt = now
			markTerminal(g, domain.StateNoResource, now)
			break
		}
		if err := s.index.AssertTask(ctx, req); err != nil {
			return nil, fmt.Errorf("assert task queues: %w", err)
		}
		g.Summary.CurrentTaskSlice = next
		g.ToRun = []*TaskToRun{newToRun(req, 1, next)}
	}

	if err := s.insert(ctx, g); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("task.id", g.Summary.TaskID()),
		attribute.String("task.state", string(g.Summary.State)),
	)
	telemetry.SchedulerRequests.WithLabelValues(string(g.Summary.State)).Inc()
	s.logger.Info("task scheduled",
		slog.String("task_id", g.Summary.TaskID()),
		slog.String("state", string(g.Summary.State)),
		slog.Int("priority", req.Priority),
		slog.Int("slice", g.Summary.CurrentTaskSlice),
	)

	if req.ParentTaskID != "" {
		s.recordChild(ctx, req.ParentTaskID, g.Summary.TaskID())
	}
	if g.Summary.State.IsTerminal() {
		if err := s.finish(ctx, g); err != nil {
			return g.Summary, err
		}
	}
	return g.Summary, nil
}

func newSummary(req *taskrequest.TaskRequest, now time.Time) *TaskResultSummary {
	return &TaskResultSummary{
		State:      domain.StatePending,
		CreatedAt:  now,
		ModifiedAt: now,
		Name:       req.Name,
		User:       req.User,
		Priority:   req.Priority,
		Tags:       req.Tags,
	}
}

func newToRun(req *taskrequest.TaskRequest, try, slice int) *TaskToRun {
	dims := req.TaskSlice(slice).Properties.Dimensions
	return &TaskToRun{
		RequestID:       req.ID,
		TryNumber:       try,
		TaskSliceIndex:  slice,
		QueueNumber:     taskqueues.HashDimensions(dims),
		Dimensions:      dims,
		Priority:        req.Priority,
		CreatedAt:       req.CreatedAt,
		Expiration:      req.Expiration,
		SliceExpiration: req.SliceDeadline(slice),
	}
}

// findDedupSource returns the first idempotent slice with a reusable result.
func (s *Scheduler) findDedupSource(ctx context.Context, fingerprints [][]byte, now time.Time) (*TaskResultSummary, int, error) {
	after := now.Add(-s.cfg.ReusableTaskAge)
	for i, fp := range fingerprints {
		if fp == nil {
			continue
		}
		src, err := s.store.FindDedupCandidate(ctx, fp, after)
		if err != nil {
			return nil, 0, fmt.Errorf("find dedup candidate: %w", err)
		}
		if src != nil {
			return src, i, nil
		}
	}
	return nil, 0, nil
}

// applyDedup copies the reused result. A deduped summary never carries a
// PropertiesHash so it cannot itself be reused.
func applyDedup(g *TaskGroup, src *TaskResultSummary, slice int, now time.Time) {
	sm := g.Summary
	sm.DedupedFrom = src.RequestID.RunID(src.TryNumber)
	sm.CurrentTaskSlice = slice
	sm.TryNumber = 0
	sm.BotID = src.BotID
	sm.BotDimensions = src.BotDimensions
	sm.BotVersion = src.BotVersion
	sm.StartedAt = src.StartedAt
	sm.CompletedAt = src.CompletedAt
	sm.ExitCode = src.ExitCode
	sm.Duration = src.Duration
	sm.OutputsRef = src.OutputsRef
	for _, c := range src.CostsUSD {
		sm.CostSavedUSD += c
	}
	markTerminal(g, domain.StateDeduped, now)
}

// nextSlice returns the first slice at or after from that is still within its
// deadline and either waits for capacity or has a matching bot; -1 if none.
func (s *Scheduler) nextSlice(ctx context.Context, req *taskrequest.TaskRequest, from int, now time.Time) (int, error) {
	for i := from; i < len(req.TaskSlices); i++ {
		if !now.Before(req.SliceDeadline(i)) {
			continue
		}
		ts := req.TaskSlice(i)
		if ts.WaitForCapacity {
			return i, nil
		}
		ok, err := s.index.ProbeCapacity(ctx, ts.Properties.Dimensions)
		if err != nil {
			return -1, fmt.Errorf("probe capacity of slice %d: %w", i, err)
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

// insert stores a new group, drawing a fresh id on collision.
func (s *Scheduler) insert(ctx context.Context, g *TaskGroup) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: idAttempts,
		Backoff:     backoff.Quadratic{},
		Retryable:   domain.IsDuplicate,
		OnRetry: func(attempt int, err error) {
			s.logger.Warn("request id collision, regenerating",
				slog.String("task_id", g.Summary.TaskID()),
				slog.Int("attempt", attempt),
			)
		},
	}, func() error {
		g.setID(s.newID(g.Request.CreatedAt))
		return s.store.CreateRequest(ctx, g)
	})
}

func (g *TaskGroup) setID(id taskrequest.RequestID) {
	g.Request.ID = id
	g.Summary.RequestID = id
	for _, t := range g.ToRun {
		t.RequestID = id
	}
}

// recordChild links a child task to the try of its parent that created it.
func (s *Scheduler) recordChild(ctx context.Context, parentTaskID, childTaskID string) {
	id, try, err := taskrequest.ParseTaskID(parentTaskID)
	if err == nil {
		err = s.update(ctx, id, func(g *TaskGroup) error {
			if run := g.Run(try); run != nil {
				run.ChildrenTaskIDs = append(run.ChildrenTaskIDs, childTaskID)
			}
			g.Summary.ChildrenTaskIDs = append(g.Summary.ChildrenTaskIDs, childTaskID)
			return nil
		})
	}
	if err != nil {
		s.logger.Warn("record child task failed",
			slog.String("parent_task_id", parentTaskID),
			slog.String("task_id", childTaskID),
			slog.String("error", err.Error()),
		)
	}
}
