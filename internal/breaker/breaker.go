// Package breaker gates token refresh attempts behind a circuit breaker.
// After a run of consecutive refresh failures the circuit opens and further
// attempts are refused until a cooldown elapses, protecting both the identity
// provider and the local retry budget from a persistently broken refresh
// path.
package breaker

import (
	"sync"
	"time"

	"github.com/HK-LEEE/maxlab-sub001/pkg/logging"
)

// State is the circuit state.
type State string

const (
	// StateClosed allows attempts; failures are being counted.
	StateClosed State = "closed"

	// StateOpen refuses attempts until the cooldown elapses.
	StateOpen State = "open"
)

const (
	// DefaultThreshold is how many consecutive failures open the circuit.
	DefaultThreshold = 3

	// DefaultCooldown is how long the circuit stays open.
	DefaultCooldown = 5 * time.Minute
)

// Decision is the result of asking the breaker whether an attempt may run.
type Decision struct {
	// Allowed reports whether the attempt may proceed.
	Allowed bool

	// Reason explains a refusal, for logs and user-facing errors.
	Reason string

	// RetryIn is how long until the next attempt will be allowed. Zero when
	// Allowed is true.
	RetryIn time.Duration
}

// Breaker is a failure-counting circuit breaker. All methods are safe for
// concurrent use.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures int
	openedAt time.Time
	state    State
}

// Config configures a Breaker. Zero values fall back to the defaults.
type Config struct {
	Threshold int
	Cooldown  time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		state:     StateClosed,
	}
}

// CanAttempt reports whether a refresh attempt may run now. An open circuit
// whose cooldown has elapsed closes again; there is no trial half-open state
// because the attempt itself is the trial.
func (b *Breaker) CanAttempt() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			return Decision{
				Allowed: false,
				Reason:  "too many consecutive refresh failures",
				RetryIn: b.cooldown - elapsed,
			}
		}

		logging.Debug("Breaker", "Cooldown elapsed, closing circuit")
		b.state = StateClosed
		b.failures = 0
	}

	return Decision{Allowed: true}
}

// RecordFailure counts a failed attempt, opening the circuit at the
// threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
		logging.Warn("Breaker", "Circuit opened after %d consecutive refresh failures", b.failures)
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		logging.Info("Breaker", "Circuit closed after successful refresh")
	}
	b.state = StateClosed
	b.failures = 0
}

// State returns the current circuit state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
