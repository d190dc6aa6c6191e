package escalation

import (
	"sync"
	"time"
)

// LockoutTable tracks failed authentication attempts per caller identity.
// Once an identity is locked, further attempts are refused locally without
// contacting the authentication backend.
type LockoutTable struct {
	maxFailures int
	ttl         time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*lockoutEntry
}

type lockoutEntry struct {
	failures int
	lockedAt time.Time
	locked   bool
}

// NewLockoutTable creates a table that locks an identity after maxFailures
// failed attempts. Locks expire after ttl; a ttl of 0 means locks last for
// the life of the process.
func NewLockoutTable(maxFailures int, ttl time.Duration) *LockoutTable {
	return &LockoutTable{
		maxFailures: maxFailures,
		ttl:         ttl,
		now:         time.Now,
		entries:     make(map[string]*lockoutEntry),
	}
}

// Locked reports whether the identity is currently locked out.
func (t *LockoutTable) Locked(callerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[callerID]
	if !ok || !e.locked {
		return false
	}
	if t.ttl > 0 && t.now().Sub(e.lockedAt) >= t.ttl {
		delete(t.entries, callerID)
		return false
	}
	return true
}

// RecordFailure counts one failed attempt and returns the running failure
// count plus whether this failure triggered the lock.
func (t *LockoutTable) RecordFailure(callerID string) (failures int, locked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[callerID]
	if !ok {
		e = &lockoutEntry{}
		t.entries[callerID] = e
	}
	if e.locked {
		return e.failures, false
	}
	e.failures++
	if e.failures >= t.maxFailures {
		e.locked = true
		e.lockedAt = t.now()
		return e.failures, true
	}
	return e.failures, false
}

// RecordSuccess clears the failure count for an unlocked identity. A
// locked identity stays locked; success cannot reach the backend anyway.
func (t *LockoutTable) RecordSuccess(callerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[callerID]; ok && !e.locked {
		delete(t.entries, callerID)
	}
}

// Failures returns the current consecutive failure count.
func (t *LockoutTable) Failures(callerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[callerID]; ok {
		return e.failures
	}
	return 0
}
