// Package core holds types shared by the speech and language provider
// packages: the dependency failure taxonomy the orchestrator's fallback
// circuits key on.
package core

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind categorizes how a remote dependency call failed.
type FailureKind string

const (
	FailUnavailable FailureKind = "unavailable"
	FailTimeout     FailureKind = "timeout"
	FailRateLimited FailureKind = "rate_limited"
)

// DependencyError is returned by provider clients when a remote call fails
// in a way the caller's circuit should count.
type DependencyError struct {
	Dependency string // "recognition", "understanding", "synthesis"
	Kind       FailureKind
	Err        error
}

func (e *DependencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Dependency, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Dependency, e.Kind)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// NewUnavailableError wraps err as a hard availability failure.
func NewUnavailableError(dependency string, err error) *DependencyError {
	return &DependencyError{Dependency: dependency, Kind: FailUnavailable, Err: err}
}

// NewTimeoutError wraps err as a deadline failure.
func NewTimeoutError(dependency string, err error) *DependencyError {
	return &DependencyError{Dependency: dependency, Kind: FailTimeout, Err: err}
}

// NewRateLimitedError wraps err as a rate-limit failure.
func NewRateLimitedError(dependency string, err error) *DependencyError {
	return &DependencyError{Dependency: dependency, Kind: FailRateLimited, Err: err}
}

// Classify maps an arbitrary error from a provider call to a
// DependencyError. Context deadline overruns count as timeouts; everything
// else counts as unavailability. A DependencyError passes through
// unchanged, and context.Canceled returns nil because a deliberately
// cancelled call is not a dependency failure.
func Classify(dependency string, err error) *DependencyError {
	if err == nil {
		return nil
	}
	var de *DependencyError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(dependency, err)
	}
	return NewUnavailableError(dependency, err)
}
