package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

// BotUpdateTask records a progress report from the bot running a try and
// returns the state the bot should act on. While a kill is pending it
// returns KILLED even though the try stays RUNNING until the bot reports an
// exit code. Reports against a try that already finished are no-ops
// returning the final state; reports against a try declared dead return a
// *domain.StaleRunError.
func (s *Scheduler) BotUpdateTask(ctx context.Context, p UpdateParams) (domain.State, error) {
	id, try, err := taskrequest.ParseTaskID(p.RunID)
	if err != nil || try == 0 {
		return "", domain.Invalid("run_id", "%q is not a run id", p.RunID)
	}
	if len(p.Output) > 0 {
		if p.OutputChunkStart < 0 || p.OutputChunkStart > MaxOutputSize-len(p.Output) {
			return "", domain.Invalid("output_chunk_start", "chunk [%d, +%d) is outside [0, %d)", p.OutputChunkStart, len(p.Output), MaxOutputSize)
		}
	}
	now := s.now()

	var (
		state    domain.State
		done     *TaskGroup
		terminal bool
	)
	err = s.update(ctx, id, func(g *TaskGroup) error {
		done, terminal = nil, false

		run := g.Run(try)
		if run == nil {
			return &domain.TaskNotFoundError{TaskID: p.RunID}
		}
		if run.State.IsTerminal() {
			if run.State == domain.StateBotDied {
				return &domain.StaleRunError{TaskID: p.RunID, State: run.State}
			}
			state, done = run.State, g
			return errSkip
		}
		if run.BotID != p.BotID {
			return &domain.BotMismatchError{BotID: p.BotID, Action: "task update", TaskID: p.RunID, OwnerID: run.BotID}
		}

		if len(p.Output) > 0 {
			run.Output = writeAt(run.Output, p.OutputChunkStart, p.Output)
		}
		if p.CostUSD != nil {
			run.CostUSD = *p.CostUSD
		}
		if p.Duration != nil {
			run.Duration = p.Duration
		}
		if p.ExitCode != nil {
			run.ExitCode = p.ExitCode
		}
		if p.OutputsRef != nil {
			run.OutputsRef = p.OutputsRef
		}
		run.ModifiedAt = now

		exited := p.ExitCode != nil || p.HardTimeout || p.IOTimeout
		switch {
		case run.Killing && exited:
			run.State = domain.StateKilled
			run.Killing = false
			run.AbandonedAt = now
		case p.HardTimeout || p.IOTimeout:
			run.State = domain.StateTimedOut
			run.Failure = true
			run.CompletedAt = now
		case p.ExitCode != nil:
			run.State = domain.StateCompleted
			run.Failure = *p.ExitCode != 0
			run.CompletedAt = now
		}

		state = run.State
		if run.Killing {
			state = domain.StateKilled
		}

		sm := g.Summary
		sm.ModifiedAt = now
		setCost(sm, try, run.CostUSD)
		if sm.TryNumber != try {
			// A newer try owns the summary.
			return nil
		}
		sm.Duration = run.Duration
		sm.ExitCode = run.ExitCode
		sm.OutputsRef = run.OutputsRef
		sm.Failure = run.Failure
		if run.State.IsTerminal() {
			sm.CompletedAt = run.CompletedAt
			sm.AbandonedAt = run.AbandonedAt
			if run.State == domain.StateCompleted && !run.Failure {
				if fp := fingerprint(sm, run.CurrentTaskSlice); fp != nil {
					sm.PropertiesHash = fp
				}
			}
			markTerminal(g, run.State, now)
			terminal = true
			done = g
		}
		return nil
	})

	switch {
	case errors.Is(err, errSkip):
		// Already final: redeliver a notification a previous call failed
		// to send.
		if err := s.flushNotification(ctx, done); err != nil {
			return "", err
		}
		return state, nil
	case err != nil:
		return "", err
	}
	if terminal {
		if err := s.finish(ctx, done); err != nil {
			return "", err
		}
	}
	return state, nil
}

// BotKillTask records that the bot gave up on a try on its own. The try ends
// BOT_DIED without a retry.
func (s *Scheduler) BotKillTask(ctx context.Context, runID, botID string) error {
	id, try, err := taskrequest.ParseTaskID(runID)
	if err != nil || try == 0 {
		return domain.Invalid("run_id", "%q is not a run id", runID)
	}
	now := s.now()

	var done *TaskGroup
	err = s.update(ctx, id, func(g *TaskGroup) error {
		done = nil
		run := g.Run(try)
		if run == nil {
			return &domain.TaskNotFoundError{TaskID: runID}
		}
		if run.BotID != botID {
			return &domain.BotMismatchError{BotID: botID, Action: "task kill", TaskID: runID, OwnerID: run.BotID}
		}
		if run.State != domain.StateRunning {
			return errSkip
		}
		run.State = domain.StateBotDied
		run.InternalFailure = true
		run.AbandonedAt = now
		run.ModifiedAt = now

		sm := g.Summary
		if sm.TryNumber == try {
			sm.InternalFailure = true
			sm.AbandonedAt = now
			markTerminal(g, domain.StateBotDied, now)
			done = g
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Warn("bot killed task", slog.String("task_id", runID), slog.String("bot_id", botID))
	if done != nil {
		return s.finish(ctx, done)
	}
	return nil
}

// MaxOutputSize bounds the console output kept for one try.
const MaxOutputSize = 64 << 20

// writeAt writes data at offset off of buf, growing it as needed. The caller
// bounds off+len(data) by MaxOutputSize.
func writeAt(buf []byte, off int, data []byte) []byte {
	if end := off + len(data); end > len(buf) {
		buf = append(buf, make([]byte, end-len(buf))...)
	}
	copy(buf[off:], data)
	return buf
}

func fingerprint(sm *TaskResultSummary, slice int) []byte {
	if slice < 0 || slice >= len(sm.SliceFingerprints) {
		return nil
	}
	return sm.SliceFingerprints[slice]
}

