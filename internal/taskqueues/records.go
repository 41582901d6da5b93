package taskqueues

import (
	"slices"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
)

// BotDimensions is the last dimension set a bot advertised, flattened.
type BotDimensions struct {
	BotID      string    `json:"bot_id"`
	Dimensions []string  `json:"dimensions"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BotTaskDimensions records that a bot satisfies the requirement set indexed
// under DimensionsHash until ValidUntil.
type BotTaskDimensions struct {
	BotID          string    `json:"bot_id"`
	DimensionsHash uint32    `json:"dimensions_hash"`
	Dimensions     []string  `json:"dimensions"`
	ValidUntil     time.Time `json:"valid_until"`
}

// TaskDimensionsSet is one exact requirement set sharing a hash.
type TaskDimensionsSet struct {
	Dimensions []string  `json:"dimensions"`
	ValidUntil time.Time `json:"valid_until"`
}

// TaskDimensions holds every requirement set that hashes to DimensionsHash
// under Root. More than one set means a hash collision.
type TaskDimensions struct {
	Root           string              `json:"root"`
	DimensionsHash uint32              `json:"dimensions_hash"`
	Sets           []TaskDimensionsSet `json:"sets"`
}

// TaskDimensionsKey identifies a TaskDimensions record.
type TaskDimensionsKey struct {
	Root string
	Hash uint32
}

// ValidUntil is the earliest deadline among the sets; zero when empty.
func (td *TaskDimensions) ValidUntil() time.Time {
	var earliest time.Time
	for i, s := range td.Sets {
		if i == 0 || s.ValidUntil.Before(earliest) {
			earliest = s.ValidUntil
		}
	}
	return earliest
}

// MatchRequest returns the set equal to flat, or nil.
func (td *TaskDimensions) MatchRequest(flat []string) *TaskDimensionsSet {
	for i := range td.Sets {
		if slices.Equal(td.Sets[i].Dimensions, flat) {
			return &td.Sets[i]
		}
	}
	return nil
}

// MatchBot returns the first set still valid at now that bot satisfies.
func (td *TaskDimensions) MatchBot(bot domain.Dimensions, now time.Time) *TaskDimensionsSet {
	for i := range td.Sets {
		s := &td.Sets[i]
		if !s.ValidUntil.Before(now) && domain.FlatMatchedBy(s.Dimensions, bot) {
			return s
		}
	}
	return nil
}

// AssertRequest makes sure flat is indexed until at least validUntil and
// drops sets that lapsed before now. It reports whether anything changed.
func (td *TaskDimensions) AssertRequest(now, validUntil time.Time, flat []string) bool {
	changed := false
	if s := td.MatchRequest(flat); s == nil {
		td.Sets = append(td.Sets, TaskDimensionsSet{
			Dimensions: slices.Clone(flat),
			ValidUntil: validUntil,
		})
		changed = true
	} else if s.ValidUntil.Before(validUntil) {
		s.ValidUntil = validUntil
		changed = true
	}
	return td.Prune(now) || changed
}

// Prune drops sets whose deadline is before now.
func (td *TaskDimensions) Prune(now time.Time) bool {
	kept := td.Sets[:0]
	for _, s := range td.Sets {
		if !s.ValidUntil.Before(now) {
			kept = append(kept, s)
		}
	}
	pruned := len(kept) != len(td.Sets)
	td.Sets = kept
	return pruned
}

// RootFor returns the grouping root for a task's requirements: `id:<bot>`
// when the task pins a bot, `pool:<pool>` otherwise.
func RootFor(dims domain.Dimensions) string {
	if id := dims.ID(); id != "" {
		return "id:" + id
	}
	if pools := dims.Pools(); len(pools) > 0 {
		return "pool:" + pools[0]
	}
	return ""
}

// botRoots lists every root a bot can find work under.
func botRoots(bot domain.Dimensions) []string {
	roots := []string{"id:" + bot.ID()}
	for _, p := range bot.Pools() {
		roots = append(roots, "pool:"+p)
	}
	return roots
}
