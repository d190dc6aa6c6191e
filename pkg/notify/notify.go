// Package notify delivers SMS requests and administrator alerts to the
// external delivery workers over Redis streams. Delivery past the stream
// is someone else's job; publishing is fire-and-forget for the
// orchestrator.
package notify

import (
	"context"
	"time"
)

// SMS is one outbound text message request.
type SMS struct {
	Phone   string
	Message string
}

// AdminEvent is an administrator alert.
type AdminEvent struct {
	Kind    string // e.g. "dependency_failures", "account_lockout"
	Detail  string
	Payload map[string]any
	At      time.Time
}

// Notifier is the notification collaborator.
type Notifier interface {
	SendSMS(ctx context.Context, sms SMS) error
	AlertAdministrators(ctx context.Context, event AdminEvent) error
}
