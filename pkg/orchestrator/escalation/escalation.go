// Package escalation decides, after each understanding result, whether a
// session should be handed toward a human: transfer, callback, voicemail,
// or account lockout. Decisions are pure functions of the inputs.
package escalation

// Action is the evaluator's verdict for one turn.
type Action int

const (
	// ActionNone: continue the conversation normally.
	ActionNone Action = iota
	// ActionTransfer: move the session to a human agent now.
	ActionTransfer
	// ActionLockout: authentication failed too often; lock the account,
	// alert administrators, end or restrict the session.
	ActionLockout
	// ActionOfferTransfer: offer a transfer the caller may decline.
	ActionOfferTransfer
	// ActionOfferCallback: repeated input failures; offer callback or
	// voicemail instead of looping again.
	ActionOfferCallback
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionTransfer:
		return "transfer"
	case ActionLockout:
		return "lockout"
	case ActionOfferTransfer:
		return "offer_transfer"
	case ActionOfferCallback:
		return "offer_callback"
	default:
		return "unknown"
	}
}

// Signals are the per-turn inputs the rules inspect.
type Signals struct {
	// ExplicitRequest: the caller asked for a human.
	ExplicitRequest bool
	// AuthFailures: consecutive failed authentication attempts for the
	// caller identity.
	AuthFailures int
	// OutOfDomain: understanding flagged the request outside the
	// supported subject area.
	OutOfDomain bool
	// LowConfidenceRuns: consecutive low-confidence transcriptions in
	// the current turn.
	LowConfidenceRuns int
	// Sentiment: cumulative sentiment estimate, -1.0 to 1.0.
	Sentiment float64
}

// Config holds the tunable thresholds.
type Config struct {
	// MaxAuthFailures locks the account when reached (default 3).
	MaxAuthFailures int
	// MaxLowConfidence stops the retry loop when reached (default 2).
	MaxLowConfidence int
	// SentimentThreshold: below this, proactively offer a transfer.
	SentimentThreshold float64
}

// Evaluate applies the rule chain, first match wins:
// explicit request, auth lockout, low-confidence exhaustion, out-of-domain,
// frustration. No rule matching means continue.
func Evaluate(s Signals, cfg Config) Action {
	if s.ExplicitRequest {
		return ActionTransfer
	}
	if cfg.MaxAuthFailures > 0 && s.AuthFailures >= cfg.MaxAuthFailures {
		return ActionLockout
	}
	if cfg.MaxLowConfidence > 0 && s.LowConfidenceRuns >= cfg.MaxLowConfidence {
		return ActionOfferCallback
	}
	if s.OutOfDomain {
		return ActionOfferTransfer
	}
	if s.Sentiment < cfg.SentimentThreshold {
		return ActionOfferTransfer
	}
	return ActionNone
}
