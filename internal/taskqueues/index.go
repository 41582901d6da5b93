// Package taskqueues maintains the index that maps each bot to the queue
// numbers (dimension hashes) of pending task requirement sets it can serve.
package taskqueues

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// validityAdvance is added to a request's expiration so the index entry
	// outlives the request.
	validityAdvance = time.Hour + 10*time.Minute

	// staleClearWindow: a bot whose record lapsed more than this long ago
	// has its cached queue list dropped on refresh.
	staleClearWindow = time.Minute

	defaultMaxInFlight = 50
)

// Index is the dimension queue index. It is safe for concurrent use.
type Index struct {
	store    Store
	cache    QueueCache
	queue    RebuildQueue
	throttle RebuildThrottle // nil = every miss is enqueued

	logger      *slog.Logger
	now         func() time.Time
	jitter      func() time.Duration
	maxInFlight int

	recompute singleflight.Group
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(x *Index) { x.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(x *Index) { x.now = now }
}

// WithJitter replaces the 5 to 10 minute margin AssertTask subtracts from a
// request's expiration before deciding a cached set is fresh enough.
func WithJitter(fn func() time.Duration) Option {
	return func(x *Index) { x.jitter = fn }
}

// WithThrottle suppresses duplicate rebuild enqueues.
func WithThrottle(t RebuildThrottle) Option {
	return func(x *Index) { x.throttle = t }
}

// WithMaxInFlight caps concurrent store operations during fan-outs.
func WithMaxInFlight(n int) Option {
	return func(x *Index) {
		if n > 0 {
			x.maxInFlight = n
		}
	}
}

// NewIndex builds an Index over its storage tiers.
func NewIndex(store Store, cache QueueCache, queue RebuildQueue, opts ...Option) *Index {
	x := &Index{
		store:       store,
		cache:       cache,
		queue:       queue,
		logger:      slog.Default(),
		now:         time.Now,
		jitter:      defaultJitter,
		maxInFlight: defaultMaxInFlight,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func defaultJitter() time.Duration {
	return 5*time.Minute + rand.N(5*time.Minute)
}
