package escalation

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxAuthFailures:    3,
		MaxLowConfidence:   2,
		SentimentThreshold: -0.6,
	}
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name    string
		signals Signals
		want    Action
	}{
		{"no signals", Signals{}, ActionNone},
		{"explicit request", Signals{ExplicitRequest: true}, ActionTransfer},
		{
			// Explicit request outranks everything, even hostile sentiment.
			"explicit request with bad sentiment",
			Signals{ExplicitRequest: true, Sentiment: -0.9, OutOfDomain: true},
			ActionTransfer,
		},
		{"auth lockout", Signals{AuthFailures: 3}, ActionLockout},
		{"auth below threshold", Signals{AuthFailures: 2}, ActionNone},
		{"low confidence exhausted", Signals{LowConfidenceRuns: 2}, ActionOfferCallback},
		{"one low confidence", Signals{LowConfidenceRuns: 1}, ActionNone},
		{"out of domain", Signals{OutOfDomain: true}, ActionOfferTransfer},
		{"frustrated caller", Signals{Sentiment: -0.7}, ActionOfferTransfer},
		{"sentiment at threshold", Signals{Sentiment: -0.6}, ActionNone},
		{"neutral sentiment", Signals{Sentiment: 0}, ActionNone},
		{
			"lockout outranks low confidence",
			Signals{AuthFailures: 3, LowConfidenceRuns: 2},
			ActionLockout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.signals, cfg); got != tt.want {
				t.Fatalf("Evaluate(%+v)=%v, want %v", tt.signals, got, tt.want)
			}
		})
	}
}

func TestLockoutTable_LocksAtThirdFailure(t *testing.T) {
	lt := NewLockoutTable(3, 0)

	if n, locked := lt.RecordFailure("caller-1"); n != 1 || locked {
		t.Fatalf("first failure=(%d,%t), want (1,false)", n, locked)
	}
	if n, locked := lt.RecordFailure("caller-1"); n != 2 || locked {
		t.Fatalf("second failure=(%d,%t), want (2,false)", n, locked)
	}
	n, locked := lt.RecordFailure("caller-1")
	if n != 3 || !locked {
		t.Fatalf("third failure=(%d,%t), want (3,true)", n, locked)
	}

	// The lock fires exactly once; the 4th attempt is refused locally.
	if !lt.Locked("caller-1") {
		t.Fatalf("Locked=false after third failure")
	}
	if _, locked := lt.RecordFailure("caller-1"); locked {
		t.Fatalf("lock fired twice")
	}

	// Other callers are unaffected.
	if lt.Locked("caller-2") {
		t.Fatalf("unrelated caller locked")
	}
}

func TestLockoutTable_SuccessClearsUnlockedOnly(t *testing.T) {
	lt := NewLockoutTable(3, 0)

	lt.RecordFailure("c1")
	lt.RecordFailure("c1")
	lt.RecordSuccess("c1")
	if lt.Failures("c1") != 0 {
		t.Fatalf("failures=%d after success, want 0", lt.Failures("c1"))
	}

	for i := 0; i < 3; i++ {
		lt.RecordFailure("c2")
	}
	lt.RecordSuccess("c2")
	if !lt.Locked("c2") {
		t.Fatalf("locked identity cleared by success")
	}
}

func TestLockoutTable_TTLExpiry(t *testing.T) {
	lt := NewLockoutTable(3, time.Hour)
	clock := time.Unix(1000, 0)
	lt.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		lt.RecordFailure("c1")
	}
	if !lt.Locked("c1") {
		t.Fatalf("Locked=false after threshold")
	}
	clock = clock.Add(61 * time.Minute)
	if lt.Locked("c1") {
		t.Fatalf("Locked=true after ttl expiry")
	}
}
