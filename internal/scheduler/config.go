package scheduler

import (
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

// Config holds the scheduler tunables.
type Config struct {
	// ReusableTaskAge is how old a successful idempotent result may be and
	// still be reused.
	ReusableTaskAge time.Duration
	// BotPingTolerance is how long a RUNNING try may go without an update
	// before its bot is considered dead.
	BotPingTolerance time.Duration
	// MaxTries bounds automatic retries after a bot died.
	MaxTries int
	// ClaimBatchSize is how many ledger entries one page of a poll reads.
	ClaimBatchSize int
	// ReapScanBudget bounds how long one poll keeps paging through the
	// ledger. Zero means until the ledger is exhausted.
	ReapScanBudget time.Duration
	// ClaimTTL is how long a claimed entry stays in the negative cache.
	ClaimTTL time.Duration
	// TransactionAttempts bounds retries of a conflicting transaction.
	TransactionAttempts int
	// CronBatchSize bounds how many entities one maintenance pass handles.
	CronBatchSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReusableTaskAge:     7 * 24 * time.Hour,
		BotPingTolerance:    2 * time.Minute,
		MaxTries:            2,
		ClaimBatchSize:      100,
		ReapScanBudget:      20 * time.Second,
		ClaimTTL:            time.Minute,
		TransactionAttempts: 4,
		CronBatchSize:       500,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRand replaces the [0,1) source used by ExponentialBackoff.
func WithRand(fn func() float64) Option {
	return func(s *Scheduler) { s.poll.Rand = fn }
}

// WithNewID replaces the request id generator.
func WithNewID(fn func(now time.Time) taskrequest.RequestID) Option {
	return func(s *Scheduler) { s.newID = fn }
}
