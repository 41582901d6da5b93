package taskqueues

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/backoff"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/retry"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/telemetry"
)

const inlineRebuildAttempts = 3

// AssertTask makes sure every slice's requirement set of req is indexed for
// at least as long as req can stay pending. Sets pinned to one bot are
// rebuilt inline; pool-wide sets are handed to the rebuild queue.
func (x *Index) AssertTask(ctx context.Context, req *taskrequest.TaskRequest) error {
	validUntil := req.Expiration.Add(-x.jitter())
	seen := make(map[string]struct{}, len(req.TaskSlices))

	for i := range req.TaskSlices {
		dims := req.TaskSlices[i].Properties.Dimensions
		flat := dims.Flatten()
		key := flatKey(flat)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if err := x.assertDimensions(ctx, dims, flat, validUntil, req.Expiration.Add(validityAdvance)); err != nil {
			return fmt.Errorf("assert slice %d of %s: %w", i, req.TaskID(), err)
		}
	}
	return nil
}

func (x *Index) assertDimensions(ctx context.Context, dims domain.Dimensions, flat []string, freshUntil, validUntil time.Time) error {
	hash := hashFlat(flat)
	root := RootFor(dims)

	td, err := x.store.GetTaskDimensions(ctx, root, hash)
	if err != nil {
		return fmt.Errorf("get task dimensions %s/%d: %w", root, hash, err)
	}
	if td != nil {
		if s := td.MatchRequest(flat); s != nil && !s.ValidUntil.Before(freshUntil) {
			telemetry.IndexAssertTask.WithLabelValues("hit").Inc()
			return nil
		}
	}

	payload := newRebuildPayload(dims, hash, validUntil)
	log := x.logger.With(slog.String("root", root), slog.Uint64("dimensions_hash", uint64(hash)))

	if dims.ID() != "" {
		telemetry.IndexAssertTask.WithLabelValues("inline").Inc()
		return retry.Do(ctx, retry.Config{
			MaxAttempts: inlineRebuildAttempts,
			Backoff:     backoff.DefaultStrategy(),
			Retryable:   domain.IsConflict,
			OnRetry: func(attempt int, err error) {
				log.Warn("inline rebuild conflict, retrying",
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
			},
		}, func() error {
			return x.RebuildTaskCache(ctx, payload)
		})
	}

	if x.throttle != nil {
		ok, err := x.throttle.Allow(ctx, root+"/"+payload.DimensionsHash)
		if err != nil {
			log.Warn("rebuild throttle unavailable", slog.String("error", err.Error()))
		} else if !ok {
			telemetry.IndexAssertTask.WithLabelValues("throttled").Inc()
			return nil
		}
	}
	if err := x.queue.EnqueueRebuild(ctx, payload); err != nil {
		return fmt.Errorf("enqueue rebuild: %w", err)
	}
	telemetry.IndexAssertTask.WithLabelValues("enqueued").Inc()
	log.Debug("rebuild enqueued")
	return nil
}

// RebuildTaskCache fans a requirement set out to every bot that currently
// satisfies it, then records the set in TaskDimensions. It is idempotent, so
// a worker may run it again after any failure. A lost transaction race
// returns a *domain.ConcurrentUpdateError.
func (x *Index) RebuildTaskCache(ctx context.Context, p RebuildPayload) error {
	hash, err := p.hash()
	if err != nil {
		telemetry.IndexRebuilds.WithLabelValues("malformed").Inc()
		return err
	}
	flat := p.Dimensions.Flatten()
	root := RootFor(p.Dimensions)
	now := x.now()
	start := time.Now()

	botIDs, err := x.store.FindBots(ctx, flat, 0)
	if err != nil {
		telemetry.IndexRebuilds.WithLabelValues("error").Inc()
		return fmt.Errorf("find bots: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.maxInFlight)
	for _, botID := range botIDs {
		g.Go(func() error {
			return x.refreshBotTaskDimensions(gctx, botID, hash, flat, now, p.ValidUntil)
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.IndexRebuilds.WithLabelValues("error").Inc()
		return err
	}

	err = x.store.UpdateTaskDimensions(ctx, root, hash, func(td *TaskDimensions) bool {
		return td.AssertRequest(now, p.ValidUntil, flat)
	})
	if err != nil {
		telemetry.IndexRebuilds.WithLabelValues("error").Inc()
		return fmt.Errorf("update task dimensions %s/%d: %w", root, hash, err)
	}

	telemetry.IndexRebuilds.WithLabelValues("ok").Inc()
	telemetry.IndexRebuildBots.Observe(float64(len(botIDs)))
	x.logger.Debug("task cache rebuilt",
		slog.String("root", root),
		slog.Uint64("dimensions_hash", uint64(hash)),
		slog.Int("bots", len(botIDs)),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func (x *Index) refreshBotTaskDimensions(ctx context.Context, botID string, hash uint32, flat []string, now, validUntil time.Time) error {
	cur, err := x.store.GetBotTaskDimensions(ctx, botID, hash)
	if err != nil {
		return fmt.Errorf("get bot task dimensions %s/%d: %w", botID, hash, err)
	}

	changed := cur == nil || !slices.Equal(cur.Dimensions, flat)
	if changed || cur.ValidUntil.Before(validUntil) {
		err := x.store.PutBotTaskDimensions(ctx, &BotTaskDimensions{
			BotID:          botID,
			DimensionsHash: hash,
			Dimensions:     flat,
			ValidUntil:     validUntil,
		})
		if err != nil {
			return fmt.Errorf("put bot task dimensions %s/%d: %w", botID, hash, err)
		}
	}

	if changed || cur.ValidUntil.Before(now.Add(-staleClearWindow)) {
		if err := x.cache.DeleteQueues(ctx, botID); err != nil {
			return fmt.Errorf("clear queues of %s: %w", botID, err)
		}
	}
	return nil
}

func flatKey(flat []string) string {
	n := 0
	for _, s := range flat {
		n += len(s) + 1
	}
	b := make([]byte, 0, n)
	for _, s := range flat {
		b = append(b, s...)
		b = append(b, 0)
	}
	return string(b)
}
