package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

// pastPingTolerance moves the clock just beyond the bot ping tolerance.
func (e *env) pastPingTolerance() {
	e.clock.Advance(e.cfg.BotPingTolerance + time.Second)
}

// ── bot died ──────────────────────────────────────────────────────────────────

func TestCronHandleBotDied_RetryThenGiveUp(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule()
	first := e.reap("localhost")
	require.NotNil(t, first)

	e.pastPingTolerance()
	killed, retried, ignored, err := e.sched.CronHandleBotDied(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, killed)
	assert.Equal(t, 1, retried)
	assert.Equal(t, 0, ignored)

	got := e.summary(sm.TaskID())
	assert.Equal(t, domain.StatePending, got.State)
	assert.Equal(t, domain.StateBotDied, e.run(first.TaskID()).State)

	// The bot that died does not get the retry, even though the claim cache
	// was cleared for it.
	assert.Nil(t, e.reap("localhost"))

	second := e.reap("bot2")
	require.NotNil(t, second)
	assert.Equal(t, sm.RequestID.RunID(2), second.TaskID())
	assert.Equal(t, 0, second.Run.CurrentTaskSlice)
	got = e.summary(sm.TaskID())
	assert.Equal(t, domain.StateRunning, got.State)
	assert.Equal(t, 2, got.TryNumber)
	assert.Equal(t, "bot2", got.BotID)
	assert.Equal(t, []float64{0, 0}, got.CostsUSD)

	// A late report from the first bot is refused.
	exit := 0
	_, err = e.sched.BotUpdateTask(e.ctx, scheduler.UpdateParams{RunID: first.TaskID(), BotID: "localhost", ExitCode: &exit})
	var stale *domain.StaleRunError
	assert.ErrorAs(t, err, &stale)

	e.pastPingTolerance()
	killed, retried, _, err = e.sched.CronHandleBotDied(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{sm.RequestID.RunID(2)}, killed)
	assert.Equal(t, 0, retried)

	got = e.summary(sm.TaskID())
	assert.Equal(t, domain.StateBotDied, got.State)
	assert.True(t, got.InternalFailure)
	assert.Equal(t, e.clock.Now(), got.AbandonedAt)
}

func TestCronHandleBotDied_ExpiredRequestIsNotRetried(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule(withSliceExpiration(time.Minute))
	a := e.reap("localhost")
	require.NotNil(t, a)

	e.pastPingTolerance()
	killed, retried, _, err := e.sched.CronHandleBotDied(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{sm.RequestID.RunID(1)}, killed)
	assert.Equal(t, 0, retried)
	assert.Equal(t, domain.StateBotDied, e.summary(sm.TaskID()).State)
}

func TestCronHandleBotDied_KillingIsNotRetried(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule()
	a := e.reap("localhost")
	require.NotNil(t, a)
	ok, _, err := e.sched.CancelTask(e.ctx, sm.RequestID, true)
	require.NoError(t, err)
	require.True(t, ok)

	e.pastPingTolerance()
	killed, retried, _, err := e.sched.CronHandleBotDied(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.TaskID()}, killed)
	assert.Equal(t, 0, retried)
}

func TestCronHandleBotDied_IgnoresLiveBots(t *testing.T) {
	e := newEnv(t)
	e.schedule()
	a := e.reap("localhost")
	require.NotNil(t, a)

	e.clock.Advance(e.cfg.BotPingTolerance - time.Second)
	_, err := e.sched.BotUpdateTask(e.ctx, scheduler.UpdateParams{RunID: a.TaskID(), BotID: "localhost"})
	require.NoError(t, err)

	e.clock.Advance(2 * time.Second)
	killed, retried, ignored, err := e.sched.CronHandleBotDied(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, killed)
	assert.Zero(t, retried)
	assert.Zero(t, ignored)
	assert.Equal(t, domain.StateRunning, e.run(a.TaskID()).State)
}

// ── expiration sweep ──────────────────────────────────────────────────────────

func TestCronAbortExpiredTaskToRun_Expires(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule(withSliceExpiration(time.Minute), withTopic)

	expired, reenqueued, err := e.sched.CronAbortExpiredTaskToRun(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Empty(t, reenqueued)

	e.clock.Advance(time.Minute)
	expired, reenqueued, err = e.sched.CronAbortExpiredTaskToRun(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{sm.TaskID()}, expired)
	assert.Empty(t, reenqueued)

	got := e.summary(sm.TaskID())
	assert.Equal(t, domain.StateExpired, got.State)
	assert.Equal(t, e.clock.Now(), got.AbandonedAt)
	require.Len(t, e.notifier.Sent(), 1)
	assert.Equal(t, string(domain.StateExpired), e.notifier.Sent()[0].State)
	assert.Nil(t, e.reap("localhost"))
}

func TestCronAbortExpiredTaskToRun_FallsBack(t *testing.T) {
	e := newEnv(t)
	require.Nil(t, e.reap("localhost"))

	sm := e.schedule(func(r *taskrequest.TaskRequest) {
		base := r.TaskSlices[0]
		base.Expiration = time.Minute
		r.TaskSlices = nil
		for _, os := range []string{"Windows-3.1.1", "Mac", "Haiku"} {
			s := base
			s.Properties.Dimensions = domain.Dimensions{"os": {os}, "pool": {"default"}}
			r.TaskSlices = append(r.TaskSlices, s)
		}
		last := base
		last.Properties.Dimensions = domain.Dimensions{"cpu": {"x86"}, "pool": {"default"}}
		r.TaskSlices = append(r.TaskSlices, last)
	})
	require.Equal(t, 0, sm.CurrentTaskSlice)

	e.clock.Advance(time.Minute)
	expired, reenqueued, err := e.sched.CronAbortExpiredTaskToRun(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Equal(t, []string{sm.TaskID()}, reenqueued)

	got := e.summary(sm.TaskID())
	assert.Equal(t, domain.StatePending, got.State)
	assert.Equal(t, 3, got.CurrentTaskSlice)

	a := e.reap("localhost")
	require.NotNil(t, a)
	assert.Equal(t, 3, a.Run.CurrentTaskSlice)
	assert.Equal(t, sm.RequestID.RunID(1), a.TaskID())
}

func TestCronAbortExpiredTaskToRun_KeepsBotDied(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule(withSliceExpiration(5 * time.Minute))
	a := e.reap("localhost")
	require.NotNil(t, a)

	e.pastPingTolerance()
	_, retried, _, err := e.sched.CronHandleBotDied(e.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, retried)

	e.clock.Advance(5 * time.Minute)
	expired, _, err := e.sched.CronAbortExpiredTaskToRun(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{sm.TaskID()}, expired)

	got := e.summary(sm.TaskID())
	assert.Equal(t, domain.StateBotDied, got.State)
	assert.True(t, got.InternalFailure)
}
