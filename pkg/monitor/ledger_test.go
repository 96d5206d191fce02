package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/burrowhq/burrow/pkg/types"
)

func TestLedgerAllowsUpToBudget(t *testing.T) {
	now := time.Now()
	l := NewRestartLedger(3, time.Minute)
	l.now = func() time.Time { return now }

	for i := 1; i <= 3; i++ {
		ok, remaining := l.Allow(types.ScopeBot, "b1")
		assert.True(t, ok, "attempt %d should pass", i)
		assert.Zero(t, remaining)
	}

	ok, remaining := l.Allow(types.ScopeBot, "b1")
	assert.False(t, ok, "fourth attempt within the window is denied")
	assert.Greater(t, remaining, time.Duration(0))
	assert.Equal(t, 3, l.Attempts(types.ScopeBot, "b1"))
}

func TestLedgerResetsAfterCooldown(t *testing.T) {
	now := time.Now()
	l := NewRestartLedger(3, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		l.Allow(types.ScopePool, "p1")
	}
	ok, _ := l.Allow(types.ScopePool, "p1")
	assert.False(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = l.Allow(types.ScopePool, "p1")
	assert.True(t, ok, "budget is fresh once the window expires")
	assert.Equal(t, 1, l.Attempts(types.ScopePool, "p1"))
}

func TestLedgerTracksSubjectsIndependently(t *testing.T) {
	l := NewRestartLedger(1, time.Minute)

	ok, _ := l.Allow(types.ScopeBot, "b1")
	assert.True(t, ok)
	ok, _ = l.Allow(types.ScopeBot, "b1")
	assert.False(t, ok)

	// Same id, different scope: separate accounting.
	ok, _ = l.Allow(types.ScopePool, "b1")
	assert.True(t, ok)
	ok, _ = l.Allow(types.ScopeBot, "b2")
	assert.True(t, ok)
}

func TestLedgerForget(t *testing.T) {
	l := NewRestartLedger(1, time.Minute)
	l.Allow(types.ScopeBot, "b1")
	l.Forget(types.ScopeBot, "b1")

	ok, _ := l.Allow(types.ScopeBot, "b1")
	assert.True(t, ok)
}
