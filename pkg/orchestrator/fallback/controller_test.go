package fallback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/voxhall/switchboard/pkg/core"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(clock *time.Time, alert func(context.Context, AlertEvent)) *Controller {
	c := NewController(Config{
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Window:           10 * time.Second,
			Cooldown:         30 * time.Second,
		},
		AlertThreshold: 3,
		AlertWindow:    time.Minute,
		AlertInterval:  5 * time.Minute,
	}, quietLogger(), alert)
	c.now = func() time.Time { return *clock }
	for _, b := range c.circuit {
		b.now = c.now
	}
	return c
}

func TestController_OpenCircuitShortCircuits(t *testing.T) {
	clock := time.Unix(1000, 0)
	c := newTestController(&clock, nil)

	boom := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		err := c.Do(context.Background(), DepSynthesis, "s1", func(context.Context) error { return boom })
		var de *core.DependencyError
		if !errors.As(err, &de) {
			t.Fatalf("err=%v, want DependencyError", err)
		}
	}
	if c.State(DepSynthesis) != CircuitOpen {
		t.Fatalf("state=%v, want open", c.State(DepSynthesis))
	}

	called := false
	err := c.Do(context.Background(), DepSynthesis, "s2", func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err=%v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatalf("fn invoked on open circuit")
	}
	// Other circuits are independent.
	if err := c.Do(context.Background(), DepRecognition, "s2", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("recognition Do err=%v, want nil", err)
	}
}

func TestController_DeadlineCountsAsFailure(t *testing.T) {
	clock := time.Unix(1000, 0)
	c := newTestController(&clock, nil)

	err := c.Do(context.Background(), DepUnderstanding, "s1", func(context.Context) error {
		return context.DeadlineExceeded
	})
	var de *core.DependencyError
	if !errors.As(err, &de) || de.Kind != core.FailTimeout {
		t.Fatalf("err=%v, want timeout DependencyError", err)
	}
}

func TestController_CancellationNotCounted(t *testing.T) {
	clock := time.Unix(1000, 0)
	c := newTestController(&clock, nil)

	for i := 0; i < 5; i++ {
		err := c.Do(context.Background(), DepRecognition, "s1", func(context.Context) error {
			return context.Canceled
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v, want context.Canceled", err)
		}
	}
	if c.State(DepRecognition) != CircuitClosed {
		t.Fatalf("state=%v after cancellations, want closed", c.State(DepRecognition))
	}
}

func TestController_AlertAfterRepeatedCriticalFailures(t *testing.T) {
	clock := time.Unix(1000, 0)
	var alerts []AlertEvent
	c := newTestController(&clock, func(_ context.Context, ev AlertEvent) {
		alerts = append(alerts, ev)
	})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Second)
		_ = c.Do(context.Background(), DepUnderstanding, "s1", func(context.Context) error { return boom })
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts=%d, want 1", len(alerts))
	}
	if alerts[0].Component != "understanding" || alerts[0].Failures != 3 {
		t.Fatalf("alert=%+v, want understanding/3", alerts[0])
	}

	// Rate limited: another failure soon after does not re-alert.
	clock = clock.Add(time.Second)
	_ = c.Do(context.Background(), DepSynthesis, "s1", func(context.Context) error { return boom })
	if len(alerts) != 1 {
		t.Fatalf("alerts=%d after rate-limited failure, want 1", len(alerts))
	}
}

func TestScriptedResponder_BestEffortKeywordMatch(t *testing.T) {
	r := NewScriptedResponder([]ScriptedRule{
		{Keywords: []string{"opening hours", "hours"}, Response: "We are open nine to five.", Category: "hours"},
		{Keywords: []string{"balance", "payment"}, Response: "Payments post within two days.", Category: "payments"},
	})

	rule, ok := r.Match("what are your OPENING HOURS please")
	if !ok || rule.Category != "hours" {
		t.Fatalf("match=(%+v,%t), want hours rule", rule, ok)
	}

	if _, ok := r.Match("completely unrelated request"); ok {
		t.Fatalf("matched with no keyword hits")
	}

	// More keyword hits wins over rule order.
	r2 := NewScriptedResponder([]ScriptedRule{
		{Keywords: []string{"card"}, Response: "a", Category: "a"},
		{Keywords: []string{"card", "lost"}, Response: "b", Category: "b"},
	})
	rule, ok = r2.Match("i lost my card")
	if !ok || rule.Category != "b" {
		t.Fatalf("match=(%+v,%t), want rule b", rule, ok)
	}
}

func TestController_AllowQueriesDoNotWedgeRecovery(t *testing.T) {
	clock := time.Unix(1000, 0)
	c := newTestController(&clock, nil)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = c.Do(context.Background(), DepSynthesis, "s1", func(context.Context) error { return boom })
	}
	if c.Allow(DepSynthesis) {
		t.Fatalf("Allow=true on open circuit before cooldown")
	}
	clock = clock.Add(31 * time.Second)

	// Sessions poll Allow repeatedly before every render; the queries
	// must not consume the recovery trial.
	for i := 0; i < 5; i++ {
		if !c.Allow(DepSynthesis) {
			t.Fatalf("Allow=false after cooldown (query %d)", i)
		}
	}
	err := c.Do(context.Background(), DepSynthesis, "s1", func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Do err=%v after cooldown, want nil", err)
	}
	if c.State(DepSynthesis) != CircuitClosed {
		t.Fatalf("state=%v after successful trial, want closed", c.State(DepSynthesis))
	}
}

func TestController_CancelledTrialDoesNotRestartCooldown(t *testing.T) {
	clock := time.Unix(1000, 0)
	c := newTestController(&clock, nil)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = c.Do(context.Background(), DepRecognition, "s1", func(context.Context) error { return boom })
	}
	clock = clock.Add(31 * time.Second)

	// The caller holding the trial hangs up mid-probe.
	err := c.Do(context.Background(), DepRecognition, "s1", func(context.Context) error {
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}

	// The very next caller gets the trial without waiting out another
	// cooldown.
	err = c.Do(context.Background(), DepRecognition, "s2", func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Do err=%v after released trial, want nil", err)
	}
	if c.State(DepRecognition) != CircuitClosed {
		t.Fatalf("state=%v, want closed", c.State(DepRecognition))
	}
}
