// Package store persists conversation records. The orchestrator treats
// writes as fire-and-forget: failures are logged, never surfaced to the
// caller, but an acknowledged write must be durable.
package store

import (
	"context"
	"time"
)

// SessionRecord is created at admission and finalized at termination.
type SessionRecord struct {
	ID          string
	CallRef     string
	CallerID    string
	Language    string
	StartedAt   time.Time
	RecordingOK bool
	SMSOptIn    bool
}

// TranscriptLine is one utterance or response within a session.
type TranscriptLine struct {
	SessionID  string
	Turn       int
	Speaker    string // "caller" | "system"
	Text       string
	Confidence float64
	At         time.Time
}

// Summary closes out a session record.
type Summary struct {
	SessionID   string
	EndedAt     time.Time
	EndReason   string // "hangup" | "transfer" | "timeout" | "error"
	TurnCount   int
	Sentiment   float64
	Escalated   bool
	Transferred bool
}

// Store is the persistence collaborator.
type Store interface {
	CreateSessionRecord(ctx context.Context, rec SessionRecord) error
	AppendTranscriptLine(ctx context.Context, line TranscriptLine) error
	FinalizeSessionRecord(ctx context.Context, sum Summary) error
}
