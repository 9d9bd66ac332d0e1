package loopguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuardAllowsWhenHistoryClean(t *testing.T) {
	g := New(Config{})

	assert.True(t, g.CanAttempt(KindAuto))
	assert.True(t, g.CanAttempt(KindManual))
	assert.False(t, g.DetectLoop())
	assert.Nil(t, g.RecoveryActions())
}

func TestGuardDetectsLoopAfterRepeatedAutoFailures(t *testing.T) {
	g := New(Config{MaxFailures: 5})

	for i := 0; i < 4; i++ {
		g.RecordAttempt(KindAuto, false)
	}
	assert.False(t, g.DetectLoop())
	assert.True(t, g.CanAttempt(KindAuto))

	g.RecordAttempt(KindAuto, false)
	assert.True(t, g.DetectLoop())
	assert.False(t, g.CanAttempt(KindAuto), "automatic attempts blocked in a loop")
	assert.True(t, g.CanAttempt(KindManual), "manual attempts always allowed")
	assert.NotEmpty(t, g.RecoveryActions())
}

func TestGuardIgnoresSuccessesAndManualFailures(t *testing.T) {
	g := New(Config{MaxFailures: 3})

	g.RecordAttempt(KindAuto, true)
	g.RecordAttempt(KindAuto, true)
	g.RecordAttempt(KindManual, false)
	g.RecordAttempt(KindManual, false)
	g.RecordAttempt(KindManual, false)

	assert.False(t, g.DetectLoop())
}

func TestGuardAutoSuccessResetsFailureStreak(t *testing.T) {
	g := New(Config{MaxFailures: 3})

	g.RecordAttempt(KindAuto, false)
	g.RecordAttempt(KindAuto, false)
	g.RecordAttempt(KindAuto, true)
	g.RecordAttempt(KindAuto, false)
	g.RecordAttempt(KindAuto, false)

	// Only failures since the last success count toward the loop.
	assert.False(t, g.DetectLoop())

	g.RecordAttempt(KindAuto, false)
	assert.True(t, g.DetectLoop())
}

func TestGuardRecoveryActions(t *testing.T) {
	g := New(Config{MaxFailures: 1})
	g.RecordAttempt(KindAuto, false)

	actions := g.RecoveryActions()
	assert.NotEmpty(t, actions)
	assert.True(t, actions[0].Automated, "first recovery action must be auto-executable")
	assert.Equal(t, "clear stored authentication state", actions[0].Action)

	manual := false
	for _, a := range actions[1:] {
		if !a.Automated {
			manual = true
		}
	}
	assert.True(t, manual, "a manual recovery path must remain")
}

func TestGuardManualSuccessBreaksLoop(t *testing.T) {
	g := New(Config{MaxFailures: 3})

	for i := 0; i < 3; i++ {
		g.RecordAttempt(KindAuto, false)
	}
	assert.True(t, g.DetectLoop())

	g.RecordAttempt(KindManual, true)
	assert.False(t, g.DetectLoop())
	assert.True(t, g.CanAttempt(KindAuto))
}

func TestGuardWindowSlides(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := New(Config{
		Window:      5 * time.Minute,
		MaxFailures: 3,
		Now:         func() time.Time { return now },
	})

	for i := 0; i < 3; i++ {
		g.RecordAttempt(KindAuto, false)
	}
	assert.True(t, g.DetectLoop())

	// Once the failures age out of the window the loop clears on its own.
	now = now.Add(6 * time.Minute)
	assert.False(t, g.DetectLoop())
	assert.True(t, g.CanAttempt(KindAuto))
}

func TestGuardReset(t *testing.T) {
	g := New(Config{MaxFailures: 1})

	g.RecordAttempt(KindAuto, false)
	assert.True(t, g.DetectLoop())

	g.Reset()
	assert.False(t, g.DetectLoop())
}
