package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/telemetry"
)

// BotReapTask hands the highest priority pending task the bot can run to it,
// or returns nil when there is none. deadline, when set, is when the bot
// will stop; slices that could outlive it are skipped.
func (s *Scheduler) BotReapTask(ctx context.Context, bot domain.Dimensions, botVersion string, deadline *time.Time) (*Assignment, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.BotReapTask")
	defer span.End()
	start := time.Now()
	defer func() { telemetry.SchedulerReapDurationSeconds.Observe(time.Since(start).Seconds()) }()

	botID := bot.ID()
	if botID == "" {
		return nil, domain.Invalid("dimensions", "bot has no id")
	}
	span.SetAttributes(attribute.String("bot.id", botID))

	if err := s.index.AssertBot(ctx, bot); err != nil {
		return nil, fmt.Errorf("assert bot %s: %w", botID, err)
	}
	queues, err := s.index.GetQueues(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("get queues of %s: %w", botID, err)
	}
	if len(queues) == 0 {
		telemetry.SchedulerReaps.WithLabelValues("idle").Inc()
		return nil, nil
	}

	now := s.now()
	var cursor *TaskToRun
	for {
		entries, err := s.store.ListToRun(ctx, queues, cursor, s.cfg.ClaimBatchSize)
		if err != nil {
			return nil, fmt.Errorf("list pending: %w", err)
		}
		for _, e := range entries {
			a, err := s.tryEntry(ctx, e, bot, botVersion, deadline, now)
			if err != nil {
				return nil, err
			}
			if a == nil {
				continue
			}
			result := "task"
			if a.Terminate {
				result = "terminate"
			}
			telemetry.SchedulerReaps.WithLabelValues(result).Inc()
			span.SetAttributes(attribute.String("task.id", a.TaskID()))
			s.logger.Info("task reaped",
				slog.String("task_id", a.TaskID()),
				slog.String("bot_id", botID),
				slog.Int("try_number", a.Run.TryNumber),
				slog.Int("slice", a.Run.CurrentTaskSlice),
			)
			return a, nil
		}
		if len(entries) == 0 || s.cfg.ClaimBatchSize <= 0 || len(entries) < s.cfg.ClaimBatchSize {
			break
		}
		if s.cfg.ReapScanBudget > 0 && time.Since(start) > s.cfg.ReapScanBudget {
			s.logger.Warn("reap scan budget exhausted",
				slog.String("bot_id", botID),
				slog.Duration("budget", s.cfg.ReapScanBudget),
			)
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cursor = entries[len(entries)-1]
	}

	telemetry.SchedulerReaps.WithLabelValues("idle").Inc()
	return nil, nil
}

// tryEntry claims e for the bot unless it is known to be taken or the bot
// does not match it.
func (s *Scheduler) tryEntry(ctx context.Context, e *TaskToRun, bot domain.Dimensions, botVersion string, deadline *time.Time, now time.Time) (*Assignment, error) {
	// The index may be stale; the entry's own dimensions are authoritative.
	if !e.Dimensions.MatchedBy(bot) {
		return nil, nil
	}
	taken, err := s.claims.IsClaimed(ctx, e.Key())
	if err != nil {
		s.logger.Warn("claim cache read failed", slog.String("key", e.Key()), slog.String("error", err.Error()))
	} else if taken {
		return nil, nil
	}
	return s.claim(ctx, e, bot, botVersion, deadline, now)
}

// claim tries to take one ledger entry for the bot. It returns nil without
// an error when the entry turned out not to be claimable.
func (s *Scheduler) claim(ctx context.Context, e *TaskToRun, bot domain.Dimensions, botVersion string, deadline *time.Time, now time.Time) (*Assignment, error) {
	key := e.Key()
	won, err := s.claims.TryClaim(ctx, key, s.cfg.ClaimTTL)
	if err != nil {
		s.logger.Warn("claim cache write failed", slog.String("key", key), slog.String("error", err.Error()))
		won = true
	}
	if !won {
		return nil, nil
	}

	var (
		a       *Assignment
		expired *TaskGroup
		release bool
	)
	err = s.update(ctx, e.RequestID, func(g *TaskGroup) error {
		a, expired, release = nil, nil, false

		entry := g.Entry(e.TryNumber, e.TaskSliceIndex)
		if entry == nil || !entry.IsReapable() {
			return errSkip
		}
		if !now.Before(entry.Expiration) {
			wasPending := g.Summary.State == domain.StatePending
			expireEntry(g, entry, -1, now)
			if wasPending {
				expired = g
			}
			return nil
		}
		if g.Summary.State != domain.StatePending {
			entry.QueueNumber = 0
			return nil
		}

		req := g.Request
		slice := req.TaskSlice(entry.TaskSliceIndex)
		if deadline != nil && deadline.Before(now.Add(slice.MaxLifetime())) {
			release = true
			return errSkip
		}
		// A bot that died on the previous try does not get the retry.
		if prev := g.Run(entry.TryNumber - 1); prev != nil && prev.BotID == bot.ID() {
			release = true
			return errSkip
		}

		entry.QueueNumber = 0
		run := &TaskRunResult{
			RequestID:        req.ID,
			TryNumber:        entry.TryNumber,
			CurrentTaskSlice: entry.TaskSliceIndex,
			State:            domain.StateRunning,
			BotID:            bot.ID(),
			BotDimensions:    bot.Clone(),
			BotVersion:       botVersion,
			StartedAt:        now,
			ModifiedAt:       now,
		}
		g.Runs = append(g.Runs, run)

		sm := g.Summary
		sm.State = domain.StateRunning
		sm.BotID = run.BotID
		sm.BotDimensions = run.BotDimensions
		sm.BotVersion = botVersion
		sm.StartedAt = now
		sm.ModifiedAt = now
		sm.TryNumber = entry.TryNumber
		sm.CurrentTaskSlice = entry.TaskSliceIndex
		sm.InternalFailure = false
		setCost(sm, entry.TryNumber, 0)

		a = &Assignment{
			Request:    req,
			Properties: &slice.Properties,
			Run:        run,
			Terminate:  req.IsTerminate(),
		}
		return nil
	})

	if errors.Is(err, errSkip) {
		err = nil
	}
	if err != nil || release {
		if rerr := s.claims.Release(ctx, key); rerr != nil {
			s.logger.Warn("claim cache release failed", slog.String("key", key), slog.String("error", rerr.Error()))
		}
	}
	if err != nil {
		if domain.IsConflict(err) {
			telemetry.SchedulerClaimConflicts.Inc()
		}
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	if expired != nil {
		if err := s.finish(ctx, expired); err != nil {
			s.logger.Warn("expired task notification failed",
				slog.String("task_id", expired.Summary.TaskID()),
				slog.String("error", err.Error()),
			)
		}
		return nil, nil
	}
	return a, nil
}

// expireEntry retires a ledger entry whose slice ran out of time. When next
// is a valid slice the request falls back to it under the same try;
// otherwise the request ends EXPIRED, or BOT_DIED when an earlier try died.
// It reports whether the request fell back.
func expireEntry(g *TaskGroup, entry *TaskToRun, next int, now time.Time) bool {
	entry.QueueNumber = 0
	sm := g.Summary
	if sm.State != domain.StatePending {
		return false
	}
	if next >= 0 {
		g.ToRun = append(g.ToRun, newToRun(g.Request, entry.TryNumber, next))
		sm.CurrentTaskSlice = next
		sm.ModifiedAt = now
		return true
	}

	state := domain.StateExpired
	if sm.TryNumber > 0 {
		state = domain.StateBotDied
		sm.InternalFailure = true
	}
	sm.AbandonedAt = now
	markTerminal(g, state, now)
	return false
}

func setCost(sm *TaskResultSummary, try int, cost float64) {
	for len(sm.CostsUSD) < try {
		sm.CostsUSD = append(sm.CostsUSD, 0)
	}
	sm.CostsUSD[try-1] = cost
}
