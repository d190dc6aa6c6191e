// Package synthesize defines the text-to-speech provider interface and an
// HTTP streaming implementation.
package synthesize

import (
	"context"
	"io"
)

// Options shapes a synthesis request.
type Options struct {
	Language     string // BCP-47 tag
	VoiceProfile string // provider voice identifier
	SampleRate   int    // desired output sample rate in Hz
}

// Provider renders response text as a PCM16 audio stream. The returned
// reader streams audio as the provider produces it and must be closed by
// the caller; cancelling ctx aborts the stream. Failures are reported as
// core.DependencyError values.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text string, opts Options) (io.ReadCloser, error)
}
