// Package understand defines the language-understanding provider interface
// and a Gemini-backed implementation. The orchestrator treats intent and
// entities as opaque pass-through values.
package understand

import (
	"context"
)

// SessionContext carries the conversational state a provider needs to
// produce a grounded response.
type SessionContext struct {
	SessionID     string
	Language      string
	Authenticated bool
	TurnCount     int
	// History holds prior (caller, system) exchanges, oldest first.
	History []Exchange
}

// Exchange is one completed caller/system turn.
type Exchange struct {
	Caller string
	System string
}

// Result is the understanding output for one caller utterance.
type Result struct {
	ResponseText string
	Intent       string
	Entities     map[string]string
	// Sentiment is the caller's estimated sentiment for the utterance,
	// -1.0 (hostile) to 1.0 (positive).
	Sentiment float64
	// Escalate is set when the caller explicitly asks for a human.
	Escalate bool
	// OutOfDomain is set when the utterance falls outside the supported
	// subject area.
	OutOfDomain bool
}

// Provider derives intent and a response from caller text. Failures are
// reported as core.DependencyError values; implementations must honor ctx.
type Provider interface {
	Name() string
	Process(ctx context.Context, text string, sc SessionContext) (*Result, error)
}
