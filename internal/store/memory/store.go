// Package memory is an in-process implementation of every storage contract
// of the dispatcher. It backs the self-contained dev mode and unit tests.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

var (
	_ taskqueues.Store = (*Store)(nil)
	_ scheduler.Store  = (*Store)(nil)
)

// Store keeps index and task records in maps. Transactions are optimistic:
// a writer that read an older version than the one stored loses.
// Safe for concurrent access.
type Store struct {
	mu sync.RWMutex
	// seq hands out record versions; 0 means absent.
	seq int64

	bots     map[string]*taskqueues.BotDimensions
	botTasks map[string]map[uint32]*taskqueues.BotTaskDimensions
	taskDims map[taskqueues.TaskDimensionsKey]*versioned[taskqueues.TaskDimensions]
	groups   map[taskrequest.RequestID]*versioned[scheduler.TaskGroup]
}

type versioned[T any] struct {
	value   *T
	version int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		bots:     make(map[string]*taskqueues.BotDimensions),
		botTasks: make(map[string]map[uint32]*taskqueues.BotTaskDimensions),
		taskDims: make(map[taskqueues.TaskDimensionsKey]*versioned[taskqueues.TaskDimensions]),
		groups:   make(map[taskrequest.RequestID]*versioned[scheduler.TaskGroup]),
	}
}

// Ping always succeeds.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *Store) Close() error { return nil }

// clone deep-copies v so callers never share memory with the store.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic("memory: clone: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic("memory: clone: " + err.Error())
	}
	return out
}
