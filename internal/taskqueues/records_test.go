package taskqueues_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
)

func TestTaskDimensions_AssertRequest(t *testing.T) {
	now := testNow
	td := &taskqueues.TaskDimensions{Root: "pool:default", DimensionsHash: 7}
	a := []string{"os:Linux", "pool:default"}
	b := []string{"os:Mac", "pool:default"}

	assert.True(t, td.AssertRequest(now, now.Add(time.Hour), a))
	assert.False(t, td.AssertRequest(now, now.Add(30*time.Minute), a), "shorter deadline is a no-op")
	assert.True(t, td.AssertRequest(now, now.Add(2*time.Hour), a))
	assert.True(t, td.AssertRequest(now, now.Add(time.Hour), b))
	assert.Len(t, td.Sets, 2)
	assert.Equal(t, now.Add(time.Hour), td.ValidUntil())

	// Asserting later drops the lapsed collision entry.
	later := now.Add(90 * time.Minute)
	assert.True(t, td.AssertRequest(later, now.Add(2*time.Hour), a))
	assert.Len(t, td.Sets, 1)
	assert.Equal(t, a, td.Sets[0].Dimensions)
}

func TestTaskDimensions_MatchBot(t *testing.T) {
	now := testNow
	bot := domain.Dimensions{"id": {"bot1"}, "os": {"Linux"}, "pool": {"default"}}
	td := &taskqueues.TaskDimensions{Sets: []taskqueues.TaskDimensionsSet{
		{Dimensions: []string{"os:Linux", "pool:default"}, ValidUntil: now.Add(-time.Second)},
		{Dimensions: []string{"os:Mac", "pool:default"}, ValidUntil: now.Add(time.Hour)},
		{Dimensions: []string{"id:bot1", "pool:default"}, ValidUntil: now.Add(time.Hour)},
	}}

	s := td.MatchBot(bot, now)
	if assert.NotNil(t, s) {
		assert.Equal(t, []string{"id:bot1", "pool:default"}, s.Dimensions)
	}
	assert.Nil(t, td.MatchBot(bot, now.Add(2*time.Hour)))
	assert.NotNil(t, td.MatchRequest([]string{"os:Mac", "pool:default"}))
	assert.Nil(t, td.MatchRequest([]string{"os:Mac"}))
}

func TestTaskDimensions_Prune(t *testing.T) {
	now := testNow
	td := &taskqueues.TaskDimensions{Sets: []taskqueues.TaskDimensionsSet{
		{Dimensions: []string{"pool:a"}, ValidUntil: now},
		{Dimensions: []string{"pool:b"}, ValidUntil: now.Add(-time.Nanosecond)},
	}}
	assert.True(t, td.Prune(now))
	assert.Len(t, td.Sets, 1)
	assert.False(t, td.Prune(now))
	assert.True(t, td.Prune(now.Add(time.Nanosecond)))
	assert.Empty(t, td.Sets)
	assert.True(t, td.ValidUntil().IsZero())
}

func TestRootFor(t *testing.T) {
	assert.Equal(t, "id:bot1", taskqueues.RootFor(domain.Dimensions{"id": {"bot1"}, "pool": {"p"}}))
	assert.Equal(t, "pool:p", taskqueues.RootFor(domain.Dimensions{"pool": {"p"}, "os": {"Linux"}}))
	assert.Equal(t, "", taskqueues.RootFor(domain.Dimensions{"os": {"Linux"}}))
}
