package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_RegisterPublishGet(t *testing.T) {
	r := New()
	unreg := r.Register(Snapshot{ID: "s1", State: "admitted"}, Handle{})
	defer unreg()

	snap, ok := r.Get("s1")
	if !ok || snap.State != "admitted" {
		t.Fatalf("Get=(%+v,%t), want admitted snapshot", snap, ok)
	}

	r.Publish(Snapshot{ID: "s1", State: "listening", TurnCount: 2})
	snap, _ = r.Get("s1")
	if snap.State != "listening" || snap.TurnCount != 2 {
		t.Fatalf("snapshot=%+v, want listening/2", snap)
	}

	// Publishing for an unknown id never resurrects a session.
	r.Publish(Snapshot{ID: "ghost", State: "listening"})
	if _, ok := r.Get("ghost"); ok {
		t.Fatalf("ghost session present")
	}
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	r := New()
	unreg := r.Register(Snapshot{ID: "s1"}, Handle{})
	r.Register(Snapshot{ID: "s2"}, Handle{})

	unreg()
	unreg()
	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}
}

func TestRegistry_ListReturnsCopies(t *testing.T) {
	r := New()
	r.Register(Snapshot{ID: "s1", State: "listening"}, Handle{})
	r.Register(Snapshot{ID: "s2", State: "responding"}, Handle{})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("len=%d, want 2", len(list))
	}
	// Mutating a returned snapshot never affects the registry.
	list[0].State = "mangled"
	for _, id := range []string{"s1", "s2"} {
		snap, _ := r.Get(id)
		if snap.State == "mangled" {
			t.Fatalf("registry snapshot mutated through List copy")
		}
	}
}

func TestRegistry_WarnAllAndCancelAll(t *testing.T) {
	r := New()
	var warned, cancelled atomic.Int64
	r.Register(Snapshot{ID: "s1"}, Handle{
		Warn:   func(string) error { warned.Add(1); return nil },
		Cancel: func() { cancelled.Add(1) },
	})
	r.Register(Snapshot{ID: "s2"}, Handle{
		Warn:   func(string) error { return errors.New("gone") },
		Cancel: func() { cancelled.Add(1) },
	})

	if n := r.WarnAll("shutting down"); n != 1 {
		t.Fatalf("warned=%d, want 1", n)
	}
	if n := r.CancelAll(); n != 2 {
		t.Fatalf("cancelled=%d, want 2", n)
	}
	if warned.Load() != 1 || cancelled.Load() != 2 {
		t.Fatalf("warn/cancel calls=%d/%d, want 1/2", warned.Load(), cancelled.Load())
	}
}

func TestRegistry_WaitDrains(t *testing.T) {
	r := New()

	// Empty registry returns immediately.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatalf("Wait on empty registry returned false")
	}

	unreg := r.Register(Snapshot{ID: "s1"}, Handle{})
	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- r.Wait(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	unreg()

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("Wait returned false after drain")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait did not return after drain")
	}
}

func TestRegistry_WaitTimesOut(t *testing.T) {
	r := New()
	r.Register(Snapshot{ID: "s1"}, Handle{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Fatalf("Wait returned true with a live session")
	}
}
