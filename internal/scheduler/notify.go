package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/telemetry"
)

// markTerminal moves the summary to a terminal state. It runs inside the
// owning transaction; the notification goes out after commit.
func markTerminal(g *TaskGroup, state domain.State, now time.Time) {
	g.Summary.State = state
	g.Summary.ModifiedAt = now
	if g.Request.PubSubTopic != "" {
		g.Summary.NotifyPending = true
	}
}

// finish runs after a transaction that made g terminal committed.
func (s *Scheduler) finish(ctx context.Context, g *TaskGroup) error {
	telemetry.SchedulerTransitions.WithLabelValues(string(g.Summary.State)).Inc()
	s.logger.Info("task finished",
		slog.String("task_id", g.Summary.TaskID()),
		slog.String("state", string(g.Summary.State)),
		slog.Int("try_number", g.Summary.TryNumber),
	)
	return s.flushNotification(ctx, g)
}

// flushNotification sends the pending completion notification of a committed
// group and clears the flag. A failed delivery leaves the flag set so the
// next caller observing the terminal state sends it again.
func (s *Scheduler) flushNotification(ctx context.Context, g *TaskGroup) error {
	if g == nil || !g.Summary.NotifyPending {
		return nil
	}
	n := Notification{
		TaskID:    g.Summary.TaskID(),
		Topic:     g.Request.PubSubTopic,
		AuthToken: g.Request.PubSubAuthToken,
		Userdata:  g.Request.PubSubUserdata,
		State:     string(g.Summary.State),
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		telemetry.SchedulerNotifyFailures.Inc()
		return fmt.Errorf("notify %s: %w", n.TaskID, err)
	}

	err := s.update(ctx, g.Request.ID, func(cur *TaskGroup) error {
		if !cur.Summary.NotifyPending {
			return errSkip
		}
		cur.Summary.NotifyPending = false
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		// Delivered; a later flush may send a duplicate.
		s.logger.Warn("clear notification flag failed",
			slog.String("task_id", n.TaskID),
			slog.String("error", err.Error()),
		)
	}
	g.Summary.NotifyPending = false
	return nil
}
