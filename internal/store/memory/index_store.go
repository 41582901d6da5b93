package memory

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
)

// ──────────────────────────────────────────────────
// BotDimensions
// ──────────────────────────────────────────────────

func (m *Store) GetBotDimensions(_ context.Context, botID string) (*taskqueues.BotDimensions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.bots[botID]), nil
}

func (m *Store) PutBotDimensions(_ context.Context, bd *taskqueues.BotDimensions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[bd.BotID] = clone(bd)
	return nil
}

func (m *Store) DeleteBotDimensions(_ context.Context, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bots, botID)
	return nil
}

// FindBots scans every bot; ids are returned sorted.
func (m *Store) FindBots(_ context.Context, flat []string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.bots))
	for id, bd := range m.bots {
		if containsAll(bd.Dimensions, flat) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

// ──────────────────────────────────────────────────
// BotTaskDimensions
// ──────────────────────────────────────────────────

func (m *Store) GetBotTaskDimensions(_ context.Context, botID string, hash uint32) (*taskqueues.BotTaskDimensions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.botTasks[botID][hash]), nil
}

func (m *Store) ListBotTaskDimensions(_ context.Context, botID string) ([]*taskqueues.BotTaskDimensions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*taskqueues.BotTaskDimensions, 0, len(m.botTasks[botID]))
	for _, btd := range m.botTasks[botID] {
		out = append(out, clone(btd))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DimensionsHash < out[j].DimensionsHash })
	return out, nil
}

func (m *Store) PutBotTaskDimensions(_ context.Context, btd *taskqueues.BotTaskDimensions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byHash, ok := m.botTasks[btd.BotID]
	if !ok {
		byHash = make(map[uint32]*taskqueues.BotTaskDimensions)
		m.botTasks[btd.BotID] = byHash
	}
	byHash[btd.DimensionsHash] = clone(btd)
	return nil
}

func (m *Store) DeleteBotTaskDimensions(_ context.Context, botID string, hash uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.botTasks[botID], hash)
	return nil
}

func (m *Store) DeleteAllBotTaskDimensions(_ context.Context, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.botTasks, botID)
	return nil
}

func (m *Store) ListStaleBotTaskDimensions(_ context.Context, before time.Time) ([]*taskqueues.BotTaskDimensions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*taskqueues.BotTaskDimensions
	for _, byHash := range m.botTasks {
		for _, btd := range byHash {
			if btd.ValidUntil.Before(before) {
				out = append(out, clone(btd))
			}
		}
	}
	return out, nil
}

func (m *Store) DeleteBotTaskDimensionsIfStale(_ context.Context, botID string, hash uint32, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	btd, ok := m.botTasks[botID][hash]
	if !ok || !btd.ValidUntil.Before(now) {
		return false, nil
	}
	delete(m.botTasks[botID], hash)
	return true, nil
}

// ──────────────────────────────────────────────────
// TaskDimensions
// ──────────────────────────────────────────────────

func (m *Store) GetTaskDimensions(_ context.Context, root string, hash uint32) (*taskqueues.TaskDimensions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.taskDims[taskqueues.TaskDimensionsKey{Root: root, Hash: hash}]
	if !ok {
		return nil, nil
	}
	return clone(rec.value), nil
}

func (m *Store) ListTaskDimensions(_ context.Context, root string) ([]*taskqueues.TaskDimensions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*taskqueues.TaskDimensions
	for k, rec := range m.taskDims {
		if k.Root == root {
			out = append(out, clone(rec.value))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DimensionsHash < out[j].DimensionsHash })
	return out, nil
}

func (m *Store) ListStaleTaskDimensions(_ context.Context, before time.Time) ([]taskqueues.TaskDimensionsKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []taskqueues.TaskDimensionsKey
	for k, rec := range m.taskDims {
		if rec.value.ValidUntil().Before(before) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Store) UpdateTaskDimensions(_ context.Context, root string, hash uint32, fn func(td *taskqueues.TaskDimensions) bool) error {
	key := taskqueues.TaskDimensionsKey{Root: root, Hash: hash}

	m.mu.RLock()
	var (
		td      *taskqueues.TaskDimensions
		version int64
	)
	if rec, ok := m.taskDims[key]; ok {
		td, version = clone(rec.value), rec.version
	} else {
		td = &taskqueues.TaskDimensions{Root: root, DimensionsHash: hash}
	}
	m.mu.RUnlock()

	if !fn(td) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if rec, ok := m.taskDims[key]; ok {
		current = rec.version
	}
	if current != version {
		return &domain.ConcurrentUpdateError{Entity: "task dimensions", Key: root + "/" + strconv.FormatUint(uint64(hash), 10)}
	}
	if len(td.Sets) == 0 {
		delete(m.taskDims, key)
		return nil
	}
	m.seq++
	m.taskDims[key] = &versioned[taskqueues.TaskDimensions]{value: clone(td), version: m.seq}
	return nil
}
