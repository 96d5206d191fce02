package monitor

import (
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/types"
)

// RestartLedger bounds automatic recovery: at most maxAttempts per subject
// within the cooldown window. The counter resets once the window expires.
type RestartLedger struct {
	mu          sync.Mutex
	maxAttempts int
	cooldown    time.Duration
	entries     map[string]*ledgerEntry
	now         func() time.Time
}

type ledgerEntry struct {
	count       int
	lastAttempt time.Time
}

// NewRestartLedger creates a ledger with the given bounds.
func NewRestartLedger(maxAttempts int, cooldown time.Duration) *RestartLedger {
	return &RestartLedger{
		maxAttempts: maxAttempts,
		cooldown:    cooldown,
		entries:     make(map[string]*ledgerEntry),
		now:         time.Now,
	}
}

// Allow records a recovery attempt for (scope, id) and reports whether it may
// proceed. When denied, remaining is how long until the window expires.
func (l *RestartLedger) Allow(scope types.RestartScope, id string) (ok bool, remaining time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := string(scope) + "/" + id
	now := l.now()

	e, exists := l.entries[key]
	if !exists || now.Sub(e.lastAttempt) > l.cooldown {
		l.entries[key] = &ledgerEntry{count: 1, lastAttempt: now}
		return true, 0
	}

	if e.count >= l.maxAttempts {
		return false, l.cooldown - now.Sub(e.lastAttempt)
	}

	e.count++
	e.lastAttempt = now
	return true, 0
}

// Attempts returns the current attempt count for a subject.
func (l *RestartLedger) Attempts(scope types.RestartScope, id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[string(scope)+"/"+id]; ok {
		return e.count
	}
	return 0
}

// Forget drops a subject's accounting, e.g. after it was removed.
func (l *RestartLedger) Forget(scope types.RestartScope, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, string(scope)+"/"+id)
}
