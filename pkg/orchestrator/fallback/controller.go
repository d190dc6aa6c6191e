package fallback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxhall/switchboard/pkg/core"
)

// Dependency names one of the three wrapped remote services.
type Dependency string

const (
	DepRecognition   Dependency = "recognition"
	DepUnderstanding Dependency = "understanding"
	DepSynthesis     Dependency = "synthesis"
)

// ErrCircuitOpen is returned by Do when the dependency's circuit is open
// and the caller must take the degraded path.
var ErrCircuitOpen = errors.New("dependency circuit open")

// AlertEvent describes repeated critical failures, delivered to the
// administrator alert hook.
type AlertEvent struct {
	Component string    `json:"component"`
	Failures  int       `json:"failures"`
	Window    string    `json:"window"`
	State     string    `json:"state"`
	At        time.Time `json:"at"`
}

// Config tunes the controller.
type Config struct {
	Breaker BreakerConfig
	// AlertThreshold is the number of critical failures within
	// AlertWindow that triggers an administrator alert.
	AlertThreshold int
	AlertWindow    time.Duration
	// AlertInterval rate-limits repeat alerts for the same condition.
	AlertInterval time.Duration
}

// Controller owns one circuit per dependency and the shared alert limiter.
// It is the only shared mutable state between sessions besides the
// capacity ledger; sessions interact with it only through Allow/Do.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	alert   func(ctx context.Context, event AlertEvent)
	now     func() time.Time
	circuit map[Dependency]*Breaker

	mu        sync.Mutex
	critical  []time.Time
	lastAlert time.Time
}

// NewController creates a controller with one breaker per dependency. The
// alert hook may be nil.
func NewController(cfg Config, logger *slog.Logger, alert func(ctx context.Context, event AlertEvent)) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:    cfg,
		logger: logger,
		alert:  alert,
		now:    time.Now,
		circuit: map[Dependency]*Breaker{
			DepRecognition:   NewBreaker(cfg.Breaker),
			DepUnderstanding: NewBreaker(cfg.Breaker),
			DepSynthesis:     NewBreaker(cfg.Breaker),
		},
	}
	return c
}

// Allow reports whether a live call to dep may be attempted. It is a
// read-only health check; the half-open trial probe is claimed only
// inside Do.
func (c *Controller) Allow(dep Dependency) bool {
	return c.circuit[dep].Healthy()
}

// Do runs fn against dep under the dependency's circuit. When the circuit
// is open it returns ErrCircuitOpen without invoking fn. Failures are
// classified, counted against the circuit, logged with session and stage,
// and — when critical failures pile up — escalated to administrators.
// A cancelled context is not counted as a dependency failure.
func (c *Controller) Do(ctx context.Context, dep Dependency, sessionID string, fn func(ctx context.Context) error) error {
	allowed, trial := c.circuit[dep].Allow()
	if !allowed {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	if err == nil {
		c.circuit[dep].RecordSuccess()
		return nil
	}

	de := core.Classify(string(dep), err)
	if de == nil {
		// Deliberate cancellation proves nothing about health. A
		// claimed trial is returned unjudged so the next caller can
		// probe without waiting out another cooldown.
		if trial {
			c.circuit[dep].ReleaseProbe()
		}
		return err
	}

	c.circuit[dep].RecordFailure()
	c.logger.Error("dependency call failed",
		"component", string(dep),
		"session_id", sessionID,
		"kind", string(de.Kind),
		"circuit", c.circuit[dep].State().String(),
		"error", de.Err,
	)
	c.noteCritical(ctx, dep)
	return de
}

// State returns the circuit state for dep.
func (c *Controller) State(dep Dependency) CircuitState {
	return c.circuit[dep].State()
}

// States returns a snapshot of every circuit, for the dashboard.
func (c *Controller) States() map[string]string {
	out := make(map[string]string, len(c.circuit))
	for dep, b := range c.circuit {
		out[string(dep)] = b.State().String()
	}
	return out
}

// noteCritical counts a critical-component failure and fires the
// administrator alert when the threshold is crossed within the window.
func (c *Controller) noteCritical(ctx context.Context, dep Dependency) {
	if c.cfg.AlertThreshold <= 0 {
		return
	}

	c.mu.Lock()
	t := c.now()
	cutoff := t.Add(-c.cfg.AlertWindow)
	kept := c.critical[:0]
	for _, ft := range c.critical {
		if !ft.Before(cutoff) {
			kept = append(kept, ft)
		}
	}
	c.critical = append(kept, t)

	fire := len(c.critical) >= c.cfg.AlertThreshold &&
		(c.lastAlert.IsZero() || t.Sub(c.lastAlert) >= c.cfg.AlertInterval)
	if fire {
		c.lastAlert = t
	}
	count := len(c.critical)
	c.mu.Unlock()

	if !fire || c.alert == nil {
		return
	}
	c.alert(ctx, AlertEvent{
		Component: string(dep),
		Failures:  count,
		Window:    c.cfg.AlertWindow.String(),
		State:     c.circuit[dep].State().String(),
		At:        t,
	})
}
