// Package telephony models the transport that carries actual phone calls.
// The orchestrator consumes the Call interface; the websocket
// implementation in this package adapts a media-gateway connection to it.
package telephony

import (
	"context"
	"errors"
	"io"
)

// ErrNoAgent is returned by Transfer when no human agent is available.
var ErrNoAgent = errors.New("no agent available")

// ErrCallEnded is returned by operations on a call whose leg has gone away.
var ErrCallEnded = errors.New("call ended")

// FrameKind distinguishes inbound events on a call.
type FrameKind int

const (
	// FrameAudio carries one PCM16 media frame from the caller.
	FrameAudio FrameKind = iota
	// FrameDTMF carries one keypad digit.
	FrameDTMF
	// FrameHangup is the final event: the caller or carrier ended the
	// leg. The frame channel closes after it.
	FrameHangup
)

// Frame is one inbound event from the telephone leg.
type Frame struct {
	Kind  FrameKind
	PCM   []byte // FrameAudio
	Digit string // FrameDTMF: 0-9, *, #
}

// Call is one live telephone leg. Exactly one goroutine (the session loop)
// consumes Frames; PlayAudio and Transfer may be called from that same
// goroutine or a turn goroutine it owns.
type Call interface {
	// Ref is the transport's call reference.
	Ref() string
	// CallerID is the caller's identity as presented by the carrier.
	CallerID() string
	// Frames delivers inbound media and control events. The channel
	// closes after FrameHangup or a transport failure.
	Frames() <-chan Frame
	// PlayAudio streams PCM16 audio to the caller and returns once
	// playback completes. Cancelling ctx stops playback immediately and
	// returns ctx.Err(); no further audio from the stream is delivered.
	PlayAudio(ctx context.Context, audio io.Reader) error
	// Transfer hands the leg to a human agent. ErrNoAgent means every
	// agent is busy and the caller is still on the line.
	Transfer(ctx context.Context, target string) error
	// Hangup ends the leg from our side.
	Hangup(reason string) error
}

// IncomingHandler receives newly answered calls from a listener.
type IncomingHandler interface {
	HandleIncomingCall(call Call)
}
