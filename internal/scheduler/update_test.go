package scheduler_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

// ── bot updates ───────────────────────────────────────────────────────────────

func TestBotUpdateTask_OutputChunks(t *testing.T) {
	cases := []struct {
		name   string
		second int
		want   string
	}{
		{name: "append", second: 2, want: "hihey"},
		{name: "overwrite", second: 1, want: "hhey"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.schedule()
			a := e.reap("localhost")
			require.NotNil(t, a)

			for _, chunk := range []struct {
				data string
				off  int
			}{{"hi", 0}, {"hey", tc.second}} {
				state, err := e.sched.BotUpdateTask(e.ctx, scheduler.UpdateParams{
					RunID:            a.TaskID(),
					BotID:            "localhost",
					Output:           []byte(chunk.data),
					OutputChunkStart: chunk.off,
				})
				require.NoError(t, err)
				assert.Equal(t, domain.StateRunning, state)
			}
			assert.Equal(t, tc.want, string(e.run(a.TaskID()).Output))
		})
	}
}

func TestBotUpdateTask_RejectsOutOfRangeChunk(t *testing.T) {
	cases := []struct {
		name string
		off  int
	}{
		{name: "negative", off: -1},
		{name: "overflow", off: math.MaxInt - 1},
		{name: "huge", off: 1 << 40},
		{name: "past limit", off: scheduler.MaxOutputSize - 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.schedule()
			a := e.reap("localhost")
			require.NotNil(t, a)

			_, err := e.sched.BotUpdateTask(e.ctx, scheduler.UpdateParams{
				RunID:            a.TaskID(),
				BotID:            "localhost",
				Output:           []byte("hey"),
				OutputChunkStart: tc.off,
			})
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "output_chunk_start", ve.Field)
			assert.Empty(t, e.run(a.TaskID()).Output)
		})
	}
}

func TestBotUpdateTask_CompletionIsIdempotent(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule()
	a := e.reap("localhost")
	require.NotNil(t, a)

	e.clock.Advance(10 * time.Second)
	assert.Equal(t, domain.StateCompleted, e.complete(a, 0))
	e.clock.Advance(10 * time.Second)
	assert.Equal(t, domain.StateCompleted, e.complete(a, 0))

	got := e.summary(sm.TaskID())
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.Equal(t, testNow.Add(10*time.Second), got.CompletedAt)
	assert.False(t, got.Failure)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.Duration)
	assert.Equal(t, 0.1, *got.Duration)
}

func TestBotUpdateTask_ExitCodeFailure(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule(idempotent)
	a := e.reap("localhost")
	require.NotNil(t, a)

	assert.Equal(t, domain.StateCompleted, e.complete(a, 1))
	got := e.summary(sm.TaskID())
	assert.True(t, got.Failure)
	assert.Empty(t, got.PropertiesHash)
	assert.True(t, e.run(a.TaskID()).Failure)
}

func TestBotUpdateTask_Timeouts(t *testing.T) {
	for name, p := range map[string]scheduler.UpdateParams{
		"hard": {HardTimeout: true},
		"io":   {IOTimeout: true},
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			sm := e.schedule()
			a := e.reap("localhost")
			require.NotNil(t, a)

			p.RunID, p.BotID = a.TaskID(), "localhost"
			state, err := e.sched.BotUpdateTask(e.ctx, p)
			require.NoError(t, err)
			assert.Equal(t, domain.StateTimedOut, state)

			got := e.summary(sm.TaskID())
			assert.Equal(t, domain.StateTimedOut, got.State)
			assert.True(t, got.Failure)
		})
	}
}

func TestBotUpdateTask_CostIsPerTry(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule()
	a := e.reap("localhost")
	require.NotNil(t, a)

	for _, c := range []float64{0.1, 0.2} {
		_, err := e.sched.BotUpdateTask(e.ctx, scheduler.UpdateParams{RunID: a.TaskID(), BotID: "localhost", CostUSD: &c})
		require.NoError(t, err)
	}
	assert.Equal(t, []float64{0.2}, e.summary(sm.TaskID()).CostsUSD)
	assert.Equal(t, 0.2, e.run(a.TaskID()).CostUSD)
}

func TestBotUpdateTask_WrongBot(t *testing.T) {
	e := newEnv(t)
	e.schedule()
	a := e.reap("localhost")
	require.NotNil(t, a)

	_, err := e.sched.BotUpdateTask(e.ctx, scheduler.UpdateParams{RunID: a.TaskID(), BotID: "bot1"})
	var be *domain.BotMismatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "localhost", be.OwnerID)
}

func TestBotUpdateTask_RejectsSummaryID(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule()
	_, err := e.sched.BotUpdateTask(e.ctx, scheduler.UpdateParams{RunID: sm.TaskID(), BotID: "localhost"})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

// ── kill ──────────────────────────────────────────────────────────────────────

func TestBotKillTask(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule()
	a := e.reap("localhost")
	require.NotNil(t, a)

	require.NoError(t, e.sched.BotKillTask(e.ctx, a.TaskID(), "localhost"))

	got := e.summary(sm.TaskID())
	assert.Equal(t, domain.StateBotDied, got.State)
	assert.True(t, got.InternalFailure)
	assert.Equal(t, testNow, got.AbandonedAt)
	run := e.run(a.TaskID())
	assert.Equal(t, domain.StateBotDied, run.State)

	// Not retried.
	assert.Nil(t, e.reap("bot2"))
}

func TestBotKillTask_WrongBot(t *testing.T) {
	e := newEnv(t)
	e.schedule()
	a := e.reap("localhost")
	require.NotNil(t, a)

	err := e.sched.BotKillTask(e.ctx, a.TaskID(), "bot1")
	require.Error(t, err)
	assert.Equal(t, "Bot bot1 sent task kill for task "+a.TaskID()+" owned by bot localhost", err.Error())
	assert.Equal(t, domain.StateRunning, e.run(a.TaskID()).State)
}

// ── cancel ────────────────────────────────────────────────────────────────────

func TestCancelTask_Pending(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule()

	ok, wasRunning, err := e.sched.CancelTask(e.ctx, sm.RequestID, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, wasRunning)

	got := e.summary(sm.TaskID())
	assert.Equal(t, domain.StateCanceled, got.State)
	assert.Equal(t, testNow, got.AbandonedAt)
	assert.Nil(t, e.reap("localhost"))
}

func TestCancelTask_Running(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule()
	a := e.reap("localhost")
	require.NotNil(t, a)

	ok, wasRunning, err := e.sched.CancelTask(e.ctx, sm.RequestID, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, wasRunning)
	assert.Equal(t, domain.StateRunning, e.summary(sm.TaskID()).State)

	ok, wasRunning, err = e.sched.CancelTask(e.ctx, sm.RequestID, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, wasRunning)

	// The bot is told to stop; the try stays RUNNING until it exits.
	state, err := e.sched.BotUpdateTask(e.ctx, scheduler.UpdateParams{
		RunID: a.TaskID(), BotID: "localhost", Output: []byte("bye"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateKilled, state)
	run := e.run(a.TaskID())
	assert.Equal(t, domain.StateRunning, run.State)
	assert.True(t, run.Killing)

	e.clock.Advance(time.Second)
	assert.Equal(t, domain.StateKilled, e.complete(a, 0))
	got := e.summary(sm.TaskID())
	assert.Equal(t, domain.StateKilled, got.State)
	assert.Equal(t, testNow.Add(time.Second), got.AbandonedAt)
	assert.False(t, e.run(a.TaskID()).Killing)
}

func TestCancelTask_Finished(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule()
	a := e.reap("localhost")
	require.NotNil(t, a)
	e.complete(a, 0)

	ok, wasRunning, err := e.sched.CancelTask(e.ctx, sm.RequestID, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, wasRunning)
	assert.Equal(t, domain.StateCompleted, e.summary(sm.TaskID()).State)
}

func TestCancelTask_Unknown(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.sched.CancelTask(e.ctx, taskrequest.NewRequestID(testNow, 9), false)
	assert.True(t, domain.IsNotFound(err))
}

// ── notifications ─────────────────────────────────────────────────────────────

func withTopic(r *taskrequest.TaskRequest) {
	r.PubSubTopic = "projects/abc/topics/def"
	r.PubSubAuthToken = "token"
	r.PubSubUserdata = "blob"
}

func TestNotification_SentOnCompletion(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule(withTopic)
	a := e.reap("localhost")
	require.NotNil(t, a)
	assert.Empty(t, e.notifier.Sent(), "not sent for non-terminal transitions")

	e.complete(a, 0)
	assert.Equal(t, []scheduler.Notification{{
		TaskID:    sm.TaskID(),
		Topic:     "projects/abc/topics/def",
		AuthToken: "token",
		Userdata:  "blob",
		State:     string(domain.StateCompleted),
	}}, e.notifier.Sent())
	assert.False(t, e.summary(sm.TaskID()).NotifyPending)

	// A repeated report does not notify twice.
	e.complete(a, 0)
	assert.Len(t, e.notifier.Sent(), 1)
}

func TestNotification_FailureIsRetried(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule(withTopic)
	a := e.reap("localhost")
	require.NotNil(t, a)

	e.notifier.FailWith(errors.New("pubsub unavailable"))
	exit := 0
	_, err := e.sched.BotUpdateTask(e.ctx, scheduler.UpdateParams{RunID: a.TaskID(), BotID: "localhost", ExitCode: &exit})
	require.Error(t, err)

	got := e.summary(sm.TaskID())
	assert.Equal(t, domain.StateCompleted, got.State, "the transition committed")
	assert.True(t, got.NotifyPending)

	sent, err := e.sched.CronRetryNotifications(e.ctx)
	require.Error(t, err)
	assert.Equal(t, 0, sent)

	e.notifier.FailWith(nil)
	sent, err = e.sched.CronRetryNotifications(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, e.notifier.Sent(), 1)
	assert.False(t, e.summary(sm.TaskID()).NotifyPending)

	sent, err = e.sched.CronRetryNotifications(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestNotification_RepeatedUpdateFlushes(t *testing.T) {
	e := newEnv(t)
	e.schedule(withTopic)
	a := e.reap("localhost")
	require.NotNil(t, a)

	e.notifier.FailWith(errors.New("pubsub unavailable"))
	exit := 0
	_, err := e.sched.BotUpdateTask(e.ctx, scheduler.UpdateParams{RunID: a.TaskID(), BotID: "localhost", ExitCode: &exit})
	require.Error(t, err)

	e.notifier.FailWith(nil)
	assert.Equal(t, domain.StateCompleted, e.complete(a, 0))
	assert.Len(t, e.notifier.Sent(), 1)
}

func TestNotification_NoResource(t *testing.T) {
	e := newEnv(t)
	sm := e.schedule(withTopic, func(r *taskrequest.TaskRequest) {
		r.TaskSlices[0].Properties.Dimensions = domain.Dimensions{"os": {"Mac"}, "pool": {"default"}}
	})
	require.Equal(t, domain.StateNoResource, sm.State)
	sent := e.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, string(domain.StateNoResource), sent[0].State)
}
