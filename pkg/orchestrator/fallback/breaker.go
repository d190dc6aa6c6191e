// Package fallback wraps the orchestrator's three remote dependencies with
// per-dependency health circuits and supplies the degraded behaviors used
// while a circuit is open.
package fallback

import (
	"sync"
	"time"
)

// CircuitState is the health state of one dependency circuit.
type CircuitState int

const (
	// CircuitClosed: the dependency is healthy, calls go through.
	CircuitClosed CircuitState = iota
	// CircuitOpen: the dependency is considered down, calls use the
	// degraded path until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen: cooldown elapsed, a single trial call probes
	// recovery while everyone else stays on the degraded path.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes one circuit.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within Window that
	// trips the circuit open.
	FailureThreshold int
	// Window is the sliding window failures are counted over.
	Window time.Duration
	// Cooldown is how long an open circuit waits before allowing a
	// half-open trial.
	Cooldown time.Duration
}

// Breaker is a sliding-window circuit breaker for one remote dependency.
// All transitions happen under one mutex; sessions only ever observe a
// snapshot via Allow/State.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures []time.Time // failure timestamps within the window
	openedAt time.Time
	probing  bool // a half-open trial is in flight
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a live call may be attempted right now. It returns
// (true, false) for a normal closed-circuit call, (true, true) when the
// caller has been granted the single half-open trial probe, and
// (false, false) when the circuit is open and the caller must take the
// degraded path.
func (b *Breaker) Allow() (allowed, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true, false
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, false
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return true, true
	case CircuitHalfOpen:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
	return false, false
}

// Healthy reports whether a call may be attempted right now, without
// claiming the half-open trial probe. An open circuit past its cooldown
// counts as healthy; a half-open circuit counts only while no trial is
// in flight.
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
	case CircuitHalfOpen:
		return !b.probing
	default:
		return true
	}
}

// ReleaseProbe returns an unused half-open trial without judging the
// dependency, e.g. when the caller hung up mid-probe. The next caller
// may claim the trial immediately instead of waiting out a cooldown.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.probing = false
	}
}

// RecordSuccess reports a successful call. A successful half-open trial
// closes the circuit and clears the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.state = CircuitClosed
	}
	b.probing = false
	b.failures = b.failures[:0]
}

// RecordFailure reports a failed or timed-out call. A failed half-open
// trial reopens the circuit immediately; in the closed state the failure
// joins the sliding window and trips the circuit at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.now()
	switch b.state {
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openedAt = t
		b.probing = false
		b.failures = b.failures[:0]
	case CircuitClosed:
		b.failures = append(b.failures, t)
		b.trim(t)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
			b.openedAt = t
			b.failures = b.failures[:0]
		}
	case CircuitOpen:
		// Already open; nothing to count.
	}
}

// State returns the current circuit state. An open circuit past its
// cooldown still reports open until some caller claims the trial probe via
// Allow.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// trim drops failures older than the window. Caller holds mu.
func (b *Breaker) trim(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}
