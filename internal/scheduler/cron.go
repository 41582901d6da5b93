package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/telemetry"
)

// CronHandleBotDied declares BOT_DIED every RUNNING try whose bot has been
// silent for longer than the ping tolerance. The request is retried on the
// same slice when tries remain and it has not expired; otherwise the request
// ends BOT_DIED and the run id is listed in killed. ignored counts tries that
// recovered between the scan and the transaction.
func (s *Scheduler) CronHandleBotDied(ctx context.Context) (killed []string, retried, ignored int, err error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.BotPingTolerance)

	stale, err := s.store.ListStaleRunning(ctx, cutoff, s.cfg.CronBatchSize)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("list stale runs: %w", err)
	}

	var errs []error
	for _, r := range stale {
		var (
			done   *TaskGroup
			retry  bool
			runID  = r.TaskID()
			oldKey string
			newKey string
		)
		uerr := s.update(ctx, r.RequestID, func(g *TaskGroup) error {
			done, retry = nil, false
			run := g.Run(r.TryNumber)
			if run == nil || run.State != domain.StateRunning || !run.ModifiedAt.Before(cutoff) {
				return errSkip
			}
			req := g.Request
			run.State = domain.StateBotDied
			run.InternalFailure = true
			run.AbandonedAt = now
			run.ModifiedAt = now
			oldKey = req.ID.ToRunID(run.TryNumber, run.CurrentTaskSlice)

			sm := g.Summary
			if sm.TryNumber != run.TryNumber {
				return nil
			}
			if run.TryNumber < s.cfg.MaxTries && !run.Killing && now.Before(req.Expiration) {
				entry := newToRun(req, run.TryNumber+1, run.CurrentTaskSlice)
				g.ToRun = append(g.ToRun, entry)
				newKey = entry.Key()
				sm.State = domain.StatePending
				sm.ModifiedAt = now
				retry = true
				return nil
			}
			sm.InternalFailure = true
			sm.AbandonedAt = now
			markTerminal(g, domain.StateBotDied, now)
			done = g
			return nil
		})
		switch {
		case errors.Is(uerr, errSkip):
			ignored++
			continue
		case uerr != nil:
			errs = append(errs, fmt.Errorf("handle dead run %s: %w", runID, uerr))
			continue
		}

		// Let any bot, including a fresh one, claim the retry.
		for _, key := range []string{oldKey, newKey} {
			if key == "" {
				continue
			}
			if err := s.claims.Release(ctx, key); err != nil {
				s.logger.Warn("claim cache release failed", slog.String("key", key), slog.String("error", err.Error()))
			}
		}

		log := s.logger.With(slog.String("task_id", runID), slog.String("bot_id", r.BotID))
		if retry {
			retried++
			log.Warn("bot died, task retried")
			continue
		}
		killed = append(killed, runID)
		log.Warn("bot died, task abandoned")
		if done != nil {
			if err := s.finish(ctx, done); err != nil {
				errs = append(errs, err)
			}
		}
	}

	telemetry.CronAffected.WithLabelValues("bot_died", "killed").Add(float64(len(killed)))
	telemetry.CronAffected.WithLabelValues("bot_died", "retried").Add(float64(retried))
	telemetry.CronAffected.WithLabelValues("bot_died", "ignored").Add(float64(ignored))
	return killed, retried, ignored, errors.Join(errs...)
}

// CronAbortExpiredTaskToRun retires ledger entries whose slice deadline
// passed. Each request either falls back to its next usable slice (listed in
// reenqueued) or ends (listed in expired).
func (s *Scheduler) CronAbortExpiredTaskToRun(ctx context.Context) (expired, reenqueued []string, err error) {
	now := s.now()
	entries, err := s.store.ListExpiredToRun(ctx, now, s.cfg.CronBatchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("list expired pending: %w", err)
	}

	var errs []error
	for _, e := range entries {
		g, err := s.store.LoadGroup(ctx, e.RequestID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", e.Key(), err))
			continue
		}
		next, err := s.nextSlice(ctx, g.Request, e.TaskSliceIndex+1, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		var (
			done     *TaskGroup
			advanced bool
		)
		uerr := s.update(ctx, e.RequestID, func(g *TaskGroup) error {
			done, advanced = nil, false
			entry := g.Entry(e.TryNumber, e.TaskSliceIndex)
			if entry == nil || !entry.IsReapable() || now.Before(entry.SliceExpiration) {
				return errSkip
			}
			wasPending := g.Summary.State == domain.StatePending
			advanced = expireEntry(g, entry, next, now)
			if wasPending && !advanced {
				done = g
			}
			return nil
		})
		switch {
		case errors.Is(uerr, errSkip):
			continue
		case uerr != nil:
			errs = append(errs, fmt.Errorf("expire %s: %w", e.Key(), uerr))
			continue
		}

		taskID := e.RequestID.TaskID()
		if advanced {
			reenqueued = append(reenqueued, taskID)
			s.logger.Info("task slice expired, falling back",
				slog.String("task_id", taskID),
				slog.Int("slice", next),
			)
			continue
		}
		if done == nil {
			continue
		}
		expired = append(expired, taskID)
		if err := s.finish(ctx, done); err != nil {
			errs = append(errs, err)
		}
	}

	telemetry.CronAffected.WithLabelValues("abort_expired", "expired").Add(float64(len(expired)))
	telemetry.CronAffected.WithLabelValues("abort_expired", "reenqueued").Add(float64(len(reenqueued)))
	return expired, reenqueued, errors.Join(errs...)
}

// CronRetryNotifications resends completion notifications whose delivery
// failed earlier.
func (s *Scheduler) CronRetryNotifications(ctx context.Context) (sent int, err error) {
	ids, err := s.store.ListPendingNotifications(ctx, s.cfg.CronBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending notifications: %w", err)
	}
	var errs []error
	for _, id := range ids {
		g, err := s.store.LoadGroup(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !g.Summary.NotifyPending {
			continue
		}
		if err := s.flushNotification(ctx, g); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	telemetry.CronAffected.WithLabelValues("notify", "sent").Add(float64(sent))
	return sent, errors.Join(errs...)
}
