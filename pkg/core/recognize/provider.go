// Package recognize defines the speech recognition provider interface the
// orchestrator consumes, plus an HTTP implementation.
package recognize

import (
	"context"
)

// Result is a finalized transcription of one utterance.
type Result struct {
	Text       string
	Confidence float64 // 0.0 - 1.0
	Language   string  // BCP-47 tag of the detected or confirmed language
}

// Options shapes a transcription request.
type Options struct {
	LanguageHint string // preferred language, empty for auto-detect
	SampleRate   int    // input sample rate in Hz
}

// Provider converts a captured audio segment to text. Implementations must
// honor ctx cancellation and deadline; failures are reported as
// core.DependencyError values.
type Provider interface {
	// Name returns the provider identifier for logging.
	Name() string

	// Transcribe converts one PCM16 audio segment to text.
	Transcribe(ctx context.Context, pcm []byte, opts Options) (*Result, error)
}
