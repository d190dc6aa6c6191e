// Package admission enforces the concurrent-call ceiling: a shared ledger
// of admitted sessions plus a bounded FIFO wait queue. The Admitter is the
// only mutator of the ledger.
package admission

import (
	"log/slog"
	"sync"
)

// Outcome is the admission decision for an incoming call.
type Outcome int

const (
	// Admitted: a slot was free, the call may start a session.
	Admitted Outcome = iota
	// Queued: at capacity, the call waits in FIFO order for a slot.
	Queued
	// Rejected: at capacity and the queue is full; the caller hears the
	// busy message.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Config tunes the admitter.
type Config struct {
	// MaxSessions is the concurrent session ceiling.
	MaxSessions int
	// QueueCapacity bounds the wait queue; beyond it calls are rejected
	// outright.
	QueueCapacity int
}

// Admitter tracks the admitted-session count against the ceiling and
// promotes queued calls as slots free. Promotion hands the call reference
// to the promote callback from inside Release's caller goroutine, with the
// admitter's lock released.
type Admitter struct {
	cfg     Config
	logger  *slog.Logger
	promote func(callRef string)

	mu       sync.Mutex
	admitted int
	queue    []string
}

// New creates an admitter. promote is invoked for each queued call that is
// granted a freed slot; it must not call back into the admitter
// synchronously with Release semantics other than starting the session.
func New(cfg Config, logger *slog.Logger, promote func(callRef string)) *Admitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admitter{cfg: cfg, logger: logger, promote: promote}
}

// Admit decides the fate of an incoming call. Admission increments the
// ledger; queueing appends in FIFO order; overflow rejects.
func (a *Admitter) Admit(callRef string) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.admitted < a.cfg.MaxSessions {
		a.admitted++
		a.logger.Info("call admitted",
			"call_ref", callRef,
			"admitted", a.admitted,
			"max", a.cfg.MaxSessions,
		)
		return Admitted
	}
	if len(a.queue) < a.cfg.QueueCapacity {
		a.queue = append(a.queue, callRef)
		a.logger.Info("call queued",
			"call_ref", callRef,
			"queue_depth", len(a.queue),
		)
		return Queued
	}
	a.logger.Warn("call rejected at capacity",
		"call_ref", callRef,
		"admitted", a.admitted,
		"queue_depth", len(a.queue),
	)
	return Rejected
}

// Release frees the slot held by a terminated session. If the queue is
// non-empty its head keeps the slot and is promoted.
func (a *Admitter) Release() {
	a.mu.Lock()
	if len(a.queue) > 0 {
		head := a.queue[0]
		a.queue = append(a.queue[:0], a.queue[1:]...)
		a.mu.Unlock()
		a.logger.Info("queued call promoted", "call_ref", head)
		if a.promote != nil {
			a.promote(head)
		}
		return
	}
	if a.admitted > 0 {
		a.admitted--
	}
	a.mu.Unlock()
}

// Abandon removes a queued call whose caller hung up before being
// promoted. Removing an unknown ref is a no-op.
func (a *Admitter) Abandon(callRef string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, ref := range a.queue {
		if ref == callRef {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			a.logger.Info("queued call abandoned", "call_ref", callRef)
			return
		}
	}
}

// Counts returns the admitted-session count and queue depth.
func (a *Admitter) Counts() (admitted, queued int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.admitted, len(a.queue)
}
