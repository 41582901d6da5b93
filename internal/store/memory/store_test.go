package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
	"github.com/ramiqadoumi/go-task-dispatch/internal/store/memory"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

var testNow = time.Date(2014, 1, 2, 3, 4, 5, 0, time.UTC)

// ── helpers ───────────────────────────────────────────────────────────────────

func newGroup(suffix uint16, created time.Time, entries ...*scheduler.TaskToRun) *scheduler.TaskGroup {
	id := taskrequest.NewRequestID(created, suffix)
	for _, e := range entries {
		e.RequestID = id
	}
	return &scheduler.TaskGroup{
		Request: &taskrequest.TaskRequest{ID: id, CreatedAt: created},
		Summary: &scheduler.TaskResultSummary{RequestID: id, State: domain.StatePending, CreatedAt: created},
		ToRun:   entries,
	}
}

// ── request groups ────────────────────────────────────────────────────────────

func TestCreateRequest_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateRequest(ctx, newGroup(1, testNow)))

	err := s.CreateRequest(ctx, newGroup(1, testNow))
	assert.True(t, domain.IsDuplicate(err))
}

func TestUpdateGroup_DetectsConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	g := newGroup(1, testNow)
	require.NoError(t, s.CreateRequest(ctx, g))

	err := s.UpdateGroup(ctx, g.Request.ID, func(outer *scheduler.TaskGroup) error {
		inner := s.UpdateGroup(ctx, g.Request.ID, func(inner *scheduler.TaskGroup) error {
			inner.Summary.Name = "inner"
			return nil
		})
		require.NoError(t, inner)
		outer.Summary.Name = "outer"
		return nil
	})
	assert.True(t, domain.IsConflict(err))

	got, err := s.LoadGroup(ctx, g.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, "inner", got.Summary.Name)
}

func TestUpdateGroup_ErrorDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	g := newGroup(1, testNow)
	require.NoError(t, s.CreateRequest(ctx, g))

	boom := errors.New("boom")
	err := s.UpdateGroup(ctx, g.Request.ID, func(g *scheduler.TaskGroup) error {
		g.Summary.State = domain.StateCanceled
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.LoadGroup(ctx, g.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.Summary.State)
}

func TestLoadGroup_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	g := newGroup(1, testNow)
	require.NoError(t, s.CreateRequest(ctx, g))

	first, err := s.LoadGroup(ctx, g.Request.ID)
	require.NoError(t, err)
	first.Summary.State = domain.StateCompleted

	second, err := s.LoadGroup(ctx, g.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, second.Summary.State)

	_, err = s.LoadGroup(ctx, taskrequest.NewRequestID(testNow, 2))
	assert.True(t, domain.IsNotFound(err))
}

// ── queries ───────────────────────────────────────────────────────────────────

func TestListToRun_OrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	low := &scheduler.TaskToRun{TryNumber: 1, QueueNumber: 7, Priority: 100, SliceExpiration: testNow.Add(time.Minute)}
	high := &scheduler.TaskToRun{TryNumber: 1, QueueNumber: 7, Priority: 10, SliceExpiration: testNow.Add(time.Hour)}
	other := &scheduler.TaskToRun{TryNumber: 1, QueueNumber: 8, Priority: 1, SliceExpiration: testNow.Add(time.Hour)}
	claimed := &scheduler.TaskToRun{TryNumber: 1, QueueNumber: 0, Priority: 1}
	require.NoError(t, s.CreateRequest(ctx, newGroup(1, testNow, low)))
	require.NoError(t, s.CreateRequest(ctx, newGroup(2, testNow.Add(time.Second), high)))
	require.NoError(t, s.CreateRequest(ctx, newGroup(3, testNow, other)))
	require.NoError(t, s.CreateRequest(ctx, newGroup(4, testNow, claimed)))

	got, err := s.ListToRun(ctx, []uint32{7}, nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 10, got[0].Priority)
	assert.Equal(t, 100, got[1].Priority)

	got, err = s.ListToRun(ctx, []uint32{7, 8}, nil, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(8), got[0].QueueNumber)

	expired, err := s.ListExpiredToRun(ctx, testNow.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, 100, expired[0].Priority)
}

func TestListToRun_PagesAfterCursor(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	for i := uint16(1); i <= 5; i++ {
		e := &scheduler.TaskToRun{TryNumber: 1, QueueNumber: 7, Priority: int(i), SliceExpiration: testNow.Add(time.Hour)}
		require.NoError(t, s.CreateRequest(ctx, newGroup(i, testNow, e)))
	}

	var (
		seen   []int
		cursor *scheduler.TaskToRun
	)
	for {
		page, err := s.ListToRun(ctx, []uint32{7}, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			seen = append(seen, e.Priority)
		}
		cursor = page[len(page)-1]
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, seen)
}

func TestFindDedupCandidate_MostRecent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	hash := []byte("fingerprint")

	for i, created := range []time.Time{testNow, testNow.Add(time.Hour), testNow.Add(-time.Hour)} {
		g := newGroup(uint16(i+1), created)
		g.Summary.PropertiesHash = hash
		g.Summary.State = domain.StateCompleted
		require.NoError(t, s.CreateRequest(ctx, g))
	}

	got, err := s.FindDedupCandidate(ctx, hash, testNow.Add(-2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testNow.Add(time.Hour), got.CreatedAt)

	got, err = s.FindDedupCandidate(ctx, hash, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got, "the window is exclusive")

	got, err = s.FindDedupCandidate(ctx, []byte("other"), time.Time{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

// ── index records ─────────────────────────────────────────────────────────────

func TestUpdateTaskDimensions_DeletesEmptyRecords(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	flat := []string{"pool:default"}

	err := s.UpdateTaskDimensions(ctx, "pool:default", 5, func(td *taskqueues.TaskDimensions) bool {
		return td.AssertRequest(testNow, testNow.Add(time.Hour), flat)
	})
	require.NoError(t, err)
	td, err := s.GetTaskDimensions(ctx, "pool:default", 5)
	require.NoError(t, err)
	require.NotNil(t, td)
	assert.Equal(t, "pool:default", td.Root)
	assert.Equal(t, uint32(5), td.DimensionsHash)

	keys, err := s.ListStaleTaskDimensions(ctx, testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []taskqueues.TaskDimensionsKey{{Root: "pool:default", Hash: 5}}, keys)

	err = s.UpdateTaskDimensions(ctx, "pool:default", 5, func(td *taskqueues.TaskDimensions) bool {
		return td.Prune(testNow.Add(2 * time.Hour))
	})
	require.NoError(t, err)
	td, err = s.GetTaskDimensions(ctx, "pool:default", 5)
	require.NoError(t, err)
	assert.Nil(t, td)
}

func TestFindBots(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.PutBotDimensions(ctx, &taskqueues.BotDimensions{BotID: "b", Dimensions: []string{"id:b", "os:Linux", "pool:default"}}))
	require.NoError(t, s.PutBotDimensions(ctx, &taskqueues.BotDimensions{BotID: "a", Dimensions: []string{"id:a", "os:Linux", "pool:default"}}))
	require.NoError(t, s.PutBotDimensions(ctx, &taskqueues.BotDimensions{BotID: "c", Dimensions: []string{"id:c", "os:Mac", "pool:default"}}))

	ids, err := s.FindBots(ctx, []string{"os:Linux", "pool:default"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, err = s.FindBots(ctx, []string{"pool:default"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

// ── cache and queue ───────────────────────────────────────────────────────────

func TestCache_ClaimTTL(t *testing.T) {
	ctx := context.Background()
	now := testNow
	c := memory.NewCache(func() time.Time { return now })

	won, err := c.TryClaim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = c.TryClaim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	now = now.Add(time.Minute)
	claimed, err := c.IsClaimed(ctx, "k")
	require.NoError(t, err)
	assert.False(t, claimed, "expired")

	won, err = c.TryClaim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, c.Release(ctx, "k"))
	claimed, err = c.IsClaimed(ctx, "k")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestQueue_DrainRequeuesFailures(t *testing.T) {
	ctx := context.Background()
	q := memory.NewQueue()
	good := taskqueues.RebuildPayload{DimensionsHash: "1"}
	flaky := taskqueues.RebuildPayload{DimensionsHash: "2"}
	bad := taskqueues.RebuildPayload{DimensionsHash: "3"}
	for _, p := range []taskqueues.RebuildPayload{good, flaky, bad} {
		require.NoError(t, q.EnqueueRebuild(ctx, p))
	}

	n, err := q.Drain(ctx, func(_ context.Context, p taskqueues.RebuildPayload) error {
		switch p.DimensionsHash {
		case "2":
			return errors.New("transient")
		case "3":
			return taskqueues.ErrMalformedPayload
		}
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.Len(), "only the transient failure is kept")

	n, err = q.Drain(ctx, func(context.Context, taskqueues.RebuildPayload) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, q.Len())
}
