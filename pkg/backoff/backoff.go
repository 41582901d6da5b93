// Package backoff provides retry delay strategies for optimistic transactions
// and the poll delay curve handed back to idle bots.
// All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Quadratic
// ──────────────────────────────────────────────────

// Quadratic waits Base * attempt².
type Quadratic struct {
	Base time.Duration
}

// Delay returns Base * attempt².
func (q Quadratic) Delay(attempt int) time.Duration {
	return q.Base * time.Duration(attempt*attempt)
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Poll
// ──────────────────────────────────────────────────

// Poll is the delay curve returned to a bot that found nothing to run.
// With probability QuickProbability the bot is told to come back after
// Quick; otherwise the delay is min(Max, Base^(min(attempt, Cap)+1)) seconds.
type Poll struct {
	Base             float64
	Cap              int
	Max              float64
	Quick            float64
	QuickProbability float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultPoll returns the curve used by the scheduler.
func DefaultPoll() Poll {
	return Poll{Base: 1.5, Cap: 10, Max: 60, Quick: 1, QuickProbability: 0.05}
}

// Seconds returns the delay for the given 0-indexed poll attempt.
func (p Poll) Seconds(attempt int) float64 {
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	if r() < p.QuickProbability {
		return p.Quick
	}
	return math.Min(p.Max, math.Pow(p.Base, float64(min(attempt, p.Cap)+1)))
}

// Delay is Seconds as a time.Duration.
func (p Poll) Delay(attempt int) time.Duration {
	return time.Duration(p.Seconds(attempt) * float64(time.Second))
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the backoff used around optimistic transactions:
// ExponentialWithJitter with 10ms initial and 500ms max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(10*time.Millisecond, 500*time.Millisecond)
}
