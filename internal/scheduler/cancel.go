package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

// CancelTask cancels a request. A pending request is CANCELED at once. A
// running try is only asked to stop, and only when killRunning is set; the
// bot's next update then finishes it as KILLED. A finished request is left
// alone.
func (s *Scheduler) CancelTask(ctx context.Context, id taskrequest.RequestID, killRunning bool) (ok, wasRunning bool, err error) {
	now := s.now()

	var (
		done    *TaskGroup
		blanked []string
	)
	err = s.update(ctx, id, func(g *TaskGroup) error {
		ok, wasRunning, done, blanked = false, false, nil, nil
		sm := g.Summary

		switch sm.State {
		case domain.StatePending:
			for _, t := range g.ToRun {
				if t.IsReapable() {
					t.QueueNumber = 0
					blanked = append(blanked, t.Key())
				}
			}
			sm.AbandonedAt = now
			markTerminal(g, domain.StateCanceled, now)
			ok, done = true, g
			return nil

		case domain.StateRunning:
			wasRunning = true
			if !killRunning {
				return errSkip
			}
			run := g.Run(sm.TryNumber)
			if run == nil || run.State != domain.StateRunning {
				return errSkip
			}
			run.Killing = true
			sm.ModifiedAt = now
			ok = true
			return nil
		}
		return errSkip
	})
	if errors.Is(err, errSkip) {
		return ok, wasRunning, nil
	}
	if err != nil {
		return false, false, err
	}

	// Keep a racing poll that already listed the entries from claiming them.
	for _, key := range blanked {
		if _, err := s.claims.TryClaim(ctx, key, s.cfg.ClaimTTL); err != nil {
			s.logger.Warn("claim cache write failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	s.logger.Info("task cancel requested",
		slog.String("task_id", id.TaskID()),
		slog.Bool("was_running", wasRunning),
	)
	if done != nil {
		if err := s.finish(ctx, done); err != nil {
			return ok, wasRunning, err
		}
	}
	return ok, wasRunning, nil
}
