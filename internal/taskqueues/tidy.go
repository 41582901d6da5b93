package taskqueues

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/telemetry"
)

// TidyStats reports what one TidyStale pass removed.
type TidyStats struct {
	TaskSetsPruned    int
	BotEntriesDeleted int
	ConflictsSkipped  int
}

// TidyStale removes lapsed requirement sets and lapsed bot entries. Records
// that lose a transaction race are left for the next pass.
func (x *Index) TidyStale(ctx context.Context) (TidyStats, error) {
	now := x.now()
	var pruned, deleted, conflicts atomic.Int64

	keys, err := x.store.ListStaleTaskDimensions(ctx, now)
	if err != nil {
		return TidyStats{}, fmt.Errorf("list stale task dimensions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.maxInFlight)
	for _, k := range keys {
		g.Go(func() error {
			var n int
			err := x.store.UpdateTaskDimensions(gctx, k.Root, k.Hash, func(td *TaskDimensions) bool {
				before := len(td.Sets)
				changed := td.Prune(now)
				n = before - len(td.Sets)
				return changed
			})
			switch {
			case domain.IsConflict(err):
				conflicts.Add(1)
				return nil
			case err != nil:
				return fmt.Errorf("prune task dimensions %s/%d: %w", k.Root, k.Hash, err)
			}
			pruned.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TidyStats{}, err
	}

	stale, err := x.store.ListStaleBotTaskDimensions(ctx, now)
	if err != nil {
		return TidyStats{}, fmt.Errorf("list stale bot task dimensions: %w", err)
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(x.maxInFlight)
	for _, btd := range stale {
		g.Go(func() error {
			ok, err := x.store.DeleteBotTaskDimensionsIfStale(gctx, btd.BotID, btd.DimensionsHash, now)
			if err != nil {
				return fmt.Errorf("delete bot task dimensions %s/%d: %w", btd.BotID, btd.DimensionsHash, err)
			}
			if !ok {
				return nil
			}
			deleted.Add(1)
			if err := x.cache.DeleteQueues(gctx, btd.BotID); err != nil {
				x.logger.Warn("clear queues failed", slog.String("bot_id", btd.BotID), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TidyStats{}, err
	}

	stats := TidyStats{
		TaskSetsPruned:    int(pruned.Load()),
		BotEntriesDeleted: int(deleted.Load()),
		ConflictsSkipped:  int(conflicts.Load()),
	}
	telemetry.IndexTidyDeleted.WithLabelValues("task_set").Add(float64(stats.TaskSetsPruned))
	telemetry.IndexTidyDeleted.WithLabelValues("bot_entry").Add(float64(stats.BotEntriesDeleted))
	x.logger.Info("index tidied",
		slog.Int("task_sets_pruned", stats.TaskSetsPruned),
		slog.Int("bot_entries_deleted", stats.BotEntriesDeleted),
		slog.Int("conflicts_skipped", stats.ConflictsSkipped),
	)
	return stats, nil
}
