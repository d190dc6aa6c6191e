package fallback

import (
	"sort"
	"strings"
)

// ScriptedRule maps transcript keywords to a canned spoken response, used
// while the understanding circuit is open.
type ScriptedRule struct {
	// Keywords are matched case-insensitively against the transcript.
	Keywords []string
	Response string
	Category string // pre-recorded asset category for the response
}

// ScriptedResponder performs best-effort keyword matching of a raw
// transcript against an ordered rule list. It is immutable after
// construction and safe for concurrent use.
type ScriptedResponder struct {
	rules []ScriptedRule
}

// NewScriptedResponder creates a responder over rules, evaluated in order.
func NewScriptedResponder(rules []ScriptedRule) *ScriptedResponder {
	return &ScriptedResponder{rules: rules}
}

// Match returns the best-matching rule for the transcript: the rule with
// the most keyword hits, earliest rule winning ties. ok is false when no
// rule matches at all, in which case the session should offer a transfer.
func (r *ScriptedResponder) Match(transcript string) (rule ScriptedRule, ok bool) {
	text := strings.ToLower(transcript)

	type scored struct {
		idx  int
		hits int
	}
	var candidates []scored
	for i, rule := range r.rules {
		hits := 0
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > 0 {
			candidates = append(candidates, scored{idx: i, hits: hits})
		}
	}
	if len(candidates) == 0 {
		return ScriptedRule{}, false
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].hits > candidates[b].hits
	})
	return r.rules[candidates[0].idx], true
}
