package memory

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

// ──────────────────────────────────────────────────
// Request groups
// ──────────────────────────────────────────────────

func (m *Store) CreateRequest(_ context.Context, g *scheduler.TaskGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.groups[g.Request.ID]; exists {
		return &domain.DuplicateRequestError{RequestID: g.Request.ID.String()}
	}
	m.seq++
	m.groups[g.Request.ID] = &versioned[scheduler.TaskGroup]{value: clone(g), version: m.seq}
	return nil
}

func (m *Store) LoadGroup(_ context.Context, id taskrequest.RequestID) (*scheduler.TaskGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.groups[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id.TaskID()}
	}
	return clone(rec.value), nil
}

func (m *Store) UpdateGroup(_ context.Context, id taskrequest.RequestID, fn func(g *scheduler.TaskGroup) error) error {
	m.mu.RLock()
	rec, ok := m.groups[id]
	if !ok {
		m.mu.RUnlock()
		return &domain.TaskNotFoundError{TaskID: id.TaskID()}
	}
	g, version := clone(rec.value), rec.version
	m.mu.RUnlock()

	if err := fn(g); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups[id].version != version {
		return &domain.ConcurrentUpdateError{Entity: "task", Key: id.TaskID()}
	}
	m.seq++
	m.groups[id] = &versioned[scheduler.TaskGroup]{value: clone(g), version: m.seq}
	return nil
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

func (m *Store) ListToRun(_ context.Context, queues []uint32, after *scheduler.TaskToRun, limit int) ([]*scheduler.TaskToRun, error) {
	return m.collectToRun(limit, func(t *scheduler.TaskToRun) bool {
		return slices.Contains(queues, t.QueueNumber) && (after == nil || after.Less(t))
	}), nil
}

func (m *Store) ListExpiredToRun(_ context.Context, now time.Time, limit int) ([]*scheduler.TaskToRun, error) {
	return m.collectToRun(limit, func(t *scheduler.TaskToRun) bool {
		return !t.SliceExpiration.After(now)
	}), nil
}

func (m *Store) collectToRun(limit int, keep func(t *scheduler.TaskToRun) bool) []*scheduler.TaskToRun {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*scheduler.TaskToRun
	for _, rec := range m.groups {
		for _, t := range rec.value.ToRun {
			if t.IsReapable() && keep(t) {
				out = append(out, clone(t))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Store) ListStaleRunning(_ context.Context, before time.Time, limit int) ([]*scheduler.TaskRunResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*scheduler.TaskRunResult
	for _, rec := range m.groups {
		for _, r := range rec.value.Runs {
			if r.State == domain.StateRunning && r.ModifiedAt.Before(before) {
				out = append(out, clone(r))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.Before(out[j].ModifiedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) FindDedupCandidate(_ context.Context, hash []byte, after time.Time) (*scheduler.TaskResultSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *scheduler.TaskResultSummary
	for _, rec := range m.groups {
		sm := rec.value.Summary
		if len(sm.PropertiesHash) == 0 || !bytes.Equal(sm.PropertiesHash, hash) || !sm.CreatedAt.After(after) {
			continue
		}
		if best == nil || sm.CreatedAt.After(best.CreatedAt) ||
			(sm.CreatedAt.Equal(best.CreatedAt) && sm.RequestID > best.RequestID) {
			best = sm
		}
	}
	return clone(best), nil
}

func (m *Store) ListPendingNotifications(_ context.Context, limit int) ([]taskrequest.RequestID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []taskrequest.RequestID
	for id, rec := range m.groups {
		if rec.value.Summary.NotifyPending {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
