// Package loopguard detects authentication retry loops. A broken identity
// provider session can trap automatic re-authentication in a cycle of
// attempt, failure, retry; the guard watches a sliding window of attempts
// and blocks further automatic tries once a loop is evident, leaving the
// user an explicit manual path out.
package loopguard

import (
	"sync"
	"time"

	"github.com/HK-LEEE/maxlab-sub001/pkg/logging"
)

// AttemptKind distinguishes user-initiated attempts from automatic ones.
// Only automatic attempts are throttled; a user explicitly retrying is
// always allowed.
type AttemptKind string

const (
	KindManual AttemptKind = "manual"
	KindAuto   AttemptKind = "auto"
)

const (
	// DefaultWindow is the sliding window over which failures are counted.
	DefaultWindow = 5 * time.Minute

	// DefaultMaxFailures is how many automatic failures within the window
	// mark a loop.
	DefaultMaxFailures = 5
)

type attempt struct {
	kind AttemptKind
	ok   bool
	at   time.Time
}

// Guard tracks recent authentication attempts and flags loops. All methods
// are safe for concurrent use.
type Guard struct {
	mu sync.Mutex

	window      time.Duration
	maxFailures int
	now         func() time.Time

	attempts []attempt
}

// Config configures a Guard. Zero values fall back to the defaults.
type Config struct {
	Window      time.Duration
	MaxFailures int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New creates a guard with no attempt history.
func New(cfg Config) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{
		window:      cfg.Window,
		maxFailures: cfg.MaxFailures,
		now:         cfg.Now,
	}
}

// CanAttempt reports whether an attempt of the given kind may proceed.
// Manual attempts are always allowed; automatic attempts are blocked while
// a loop is detected.
func (g *Guard) CanAttempt(kind AttemptKind) bool {
	if kind == KindManual {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.inLoopLocked()
}

// RecordAttempt records the outcome of an authentication attempt. A manual
// success clears the history entirely: the user has broken the cycle.
func (g *Guard) RecordAttempt(kind AttemptKind, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if kind == KindManual && success {
		g.attempts = nil
		return
	}

	g.attempts = append(g.attempts, attempt{kind: kind, ok: success, at: g.now()})
	g.pruneLocked()

	if !success && g.inLoopLocked() {
		logging.Warn("LoopGuard", "Authentication loop detected: %d automatic failures within %s",
			g.autoFailuresLocked(), g.window)
	}
}

// DetectLoop reports whether the recent failure pattern amounts to a loop.
func (g *Guard) DetectLoop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inLoopLocked()
}

// Reset clears the attempt history.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts = nil
}

// RecoveryAction is one step that can break a detected loop. Automated
// actions are safe for the caller to execute without asking the user.
type RecoveryAction struct {
	Action    string
	Automated bool
}

// RecoveryActions lists the steps that can break a detected loop, in the
// order they should be tried. The first automated action may be executed by
// the caller directly. Empty when no loop is detected.
func (g *Guard) RecoveryActions() []RecoveryAction {
	if !g.DetectLoop() {
		return nil
	}
	return []RecoveryAction{
		{Action: "clear stored authentication state", Automated: true},
		{Action: "log in again interactively", Automated: false},
		{Action: "verify the identity provider is reachable and your account is active", Automated: false},
	}
}

// Attempts returns how many attempts are inside the current window.
func (g *Guard) Attempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	return len(g.attempts)
}

func (g *Guard) inLoopLocked() bool {
	g.pruneLocked()
	return g.autoFailuresLocked() >= g.maxFailures
}

// autoFailuresLocked counts automatic failures since the most recent success
// of any kind. A success of either kind means the cycle was broken.
func (g *Guard) autoFailuresLocked() int {
	count := 0
	for i := len(g.attempts) - 1; i >= 0; i-- {
		a := g.attempts[i]
		if a.ok {
			break
		}
		if a.kind == KindAuto {
			count++
		}
	}
	return count
}

// pruneLocked drops attempts that have aged out of the sliding window.
func (g *Guard) pruneLocked() {
	cutoff := g.now().Add(-g.window)
	kept := g.attempts[:0]
	for _, a := range g.attempts {
		if a.at.After(cutoff) {
			kept = append(kept, a)
		}
	}
	g.attempts = kept
}
