// Package registry is the process-wide table of active call sessions: the
// single source of truth read by the capacity dashboard queries and used to
// warn or cancel sessions during drain. Sessions publish immutable
// snapshots; readers never hold a lock across a session's critical path.
package registry

import (
	"context"
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of one session's observable state.
// It is published whole on every transition, never mutated in place.
type Snapshot struct {
	ID            string    `json:"id"`
	CallerID      string    `json:"caller_id"`
	Language      string    `json:"language"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
	TurnCount     int       `json:"turn_count"`
	Sentiment     float64   `json:"sentiment"`
	Authenticated bool      `json:"authenticated"`
	RecordingOK   bool      `json:"recording_consent"`
	SMSOptIn      bool      `json:"sms_opt_in"`
	DTMFMode      bool      `json:"dtmf_mode"`
}

// Handle lets the registry reach into a live session for drain control.
type Handle struct {
	// Cancel force-terminates the session.
	Cancel func()
	// Warn delivers a best-effort shutdown notice to the caller.
	Warn func(reason string) error
}

type entry struct {
	handle   Handle
	snapshot Snapshot
}

// Registry tracks active sessions by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	emptyCh  chan struct{} // closed when the registry drains to zero
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		emptyCh:  closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Register adds a session and returns its unregister function. Unregister
// is idempotent.
func (r *Registry) Register(initial Snapshot, handle Handle) (unregister func()) {
	r.mu.Lock()
	if len(r.sessions) == 0 {
		r.emptyCh = make(chan struct{})
	}
	r.sessions[initial.ID] = &entry{handle: handle, snapshot: initial}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.sessions, initial.ID)
			if len(r.sessions) == 0 {
				close(r.emptyCh)
			}
			r.mu.Unlock()
		})
	}
}

// Publish replaces the stored snapshot for a session. Publishing for an
// unregistered id is a no-op (the session may have just terminated).
func (r *Registry) Publish(snap Snapshot) {
	r.mu.Lock()
	if e, ok := r.sessions[snap.ID]; ok {
		e.snapshot = snap
	}
	r.mu.Unlock()
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots of every active session.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.snapshot)
	}
	return out
}

// Get returns the snapshot for one session.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot, true
}

// WarnAll sends a best-effort shutdown notice to every session and returns
// the number of sessions warned without error.
func (r *Registry) WarnAll(reason string) int {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.sessions))
	for _, e := range r.sessions {
		handles = append(handles, e.handle)
	}
	r.mu.RUnlock()

	n := 0
	for _, h := range handles {
		if h.Warn == nil {
			continue
		}
		if err := h.Warn(reason); err == nil {
			n++
		}
	}
	return n
}

// CancelAll force-terminates every session and returns how many were
// cancelled.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.sessions))
	for _, e := range r.sessions {
		handles = append(handles, e.handle)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		if h.Cancel != nil {
			h.Cancel()
		}
	}
	return len(handles)
}

// Wait blocks until the registry drains to zero sessions or ctx is done.
// Returns true when fully drained.
func (r *Registry) Wait(ctx context.Context) bool {
	for {
		r.mu.RLock()
		ch := r.emptyCh
		empty := len(r.sessions) == 0
		r.mu.RUnlock()
		if empty {
			return true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}
