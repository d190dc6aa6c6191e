// Package session implements the per-call state machine: one Session per
// admitted call, sequencing greeting, listen/transcribe/understand/respond
// turns, barge-in, degraded modes, escalation and teardown.
package session

import "fmt"

// State is the session's single current state. Transitions through the
// pure Transition function are the only way it changes.
type State int

const (
	StateAdmitted State = iota
	StateGreeting
	StateListening
	// StateListeningDTMF is the degraded listening mode entered when
	// the recognition circuit is open: keypad digits replace speech for
	// the rest of the call.
	StateListeningDTMF
	StateTranscribing
	StateUnderstanding
	StateResponding
	StateTransferring
	StateAwaitingCallback
	StateEnding
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateListeningDTMF:
		return "listening_dtmf"
	case StateTranscribing:
		return "transcribing"
	case StateUnderstanding:
		return "understanding"
	case StateResponding:
		return "responding"
	case StateTransferring:
		return "transferring"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateEnding:
		return "ending"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transitions leave s.
func (s State) Terminal() bool {
	return s == StateTerminated
}

// Listening reports whether inbound audio is owned by the capture path.
func (s State) Listening() bool {
	return s == StateListening || s == StateListeningDTMF
}

// EventKind drives transitions.
type EventKind int

const (
	// EvStart begins the session: play the greeting.
	EvStart EventKind = iota
	// EvGreetingDone: greeting playback finished, start capturing.
	EvGreetingDone
	// EvUtteranceFinal: silence finalized a speech utterance.
	EvUtteranceFinal
	// EvDigitsFinal: a DTMF entry was submitted.
	EvDigitsFinal
	// EvTranscript: recognition produced a result at or above the
	// confidence threshold.
	EvTranscript
	// EvTranscriptLow: recognition result below the confidence
	// threshold; Retries carries the consecutive count.
	EvTranscriptLow
	// EvUnderstood: understanding produced a response to speak.
	EvUnderstood
	// EvEscalateTransfer: hand the caller to a human now.
	EvEscalateTransfer
	// EvPlaybackDone: response playback ran to completion.
	EvPlaybackDone
	// EvBargeIn: caller spoke over playback.
	EvBargeIn
	// EvDegradeDTMF: recognition circuit open, switch to keypad input.
	EvDegradeDTMF
	// EvTransferOK: an agent took the call.
	EvTransferOK
	// EvNoAgent: no agent available, fall back to callback capture.
	EvNoAgent
	// EvCallbackScheduled: callback recorded, wind the call down.
	EvCallbackScheduled
	// EvHangup: the caller or carrier ended the leg.
	EvHangup
	// EvTimeout: idle or maximum-duration timeout.
	EvTimeout
	// EvFatal: unrecoverable transport or internal failure.
	EvFatal
	// EvFinalized: teardown complete.
	EvFinalized
)

func (k EventKind) String() string {
	switch k {
	case EvStart:
		return "start"
	case EvGreetingDone:
		return "greeting_done"
	case EvUtteranceFinal:
		return "utterance_final"
	case EvDigitsFinal:
		return "digits_final"
	case EvTranscript:
		return "transcript"
	case EvTranscriptLow:
		return "transcript_low"
	case EvUnderstood:
		return "understood"
	case EvEscalateTransfer:
		return "escalate_transfer"
	case EvPlaybackDone:
		return "playback_done"
	case EvBargeIn:
		return "barge_in"
	case EvDegradeDTMF:
		return "degrade_dtmf"
	case EvTransferOK:
		return "transfer_ok"
	case EvNoAgent:
		return "no_agent"
	case EvCallbackScheduled:
		return "callback_scheduled"
	case EvHangup:
		return "hangup"
	case EvTimeout:
		return "timeout"
	case EvFatal:
		return "fatal"
	case EvFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one input to the transition function.
type Event struct {
	Kind EventKind
	// Retries is the consecutive low-confidence count, set on
	// EvTranscriptLow.
	Retries int
	// MaxRetries is the configured bound for Retries.
	MaxRetries int
	// DTMFMode keeps degraded listening sticky: a session that entered
	// keypad input stays there for subsequent turns.
	DTMFMode bool
}

// Effect is a side effect the run loop must execute after a transition.
type Effect int

const (
	// EffPlayGreeting plays the greeting prompt.
	EffPlayGreeting Effect = iota
	// EffBeginCapture arms the capture path (speech or DTMF per state).
	EffBeginCapture
	// EffTranscribe starts the recognition stage for the captured
	// utterance.
	EffTranscribe
	// EffUnderstand starts the understanding stage.
	EffUnderstand
	// EffPromptRepeat asks the caller to repeat themselves.
	EffPromptRepeat
	// EffAnnounceDTMF tells the caller to use the keypad from now on.
	EffAnnounceDTMF
	// EffSpeakResponse synthesizes and plays the pending response.
	EffSpeakResponse
	// EffCancelPlayback stops in-flight playback immediately.
	EffCancelPlayback
	// EffRequestTransfer asks the telephony layer for an agent.
	EffRequestTransfer
	// EffScheduleCallback records a callback and confirms by SMS.
	EffScheduleCallback
	// EffFinalize persists the record, releases the slot, deregisters.
	EffFinalize
)

// Transition is the pure state table: given the current state and an
// event it returns the next state and the effects to run. An event that is
// not legal in the state returns an error and leaves the caller's state
// unchanged.
func Transition(s State, ev Event) (State, []Effect, error) {
	// Call-level teardown short-circuits from every live state.
	switch ev.Kind {
	case EvHangup, EvTimeout, EvFatal:
		if s == StateTerminated {
			return s, nil, fmt.Errorf("event %s in terminal state", ev.Kind)
		}
		if s == StateEnding {
			return StateEnding, nil, nil
		}
		return StateEnding, []Effect{EffCancelPlayback, EffFinalize}, nil
	case EvFinalized:
		if s != StateEnding {
			return s, nil, fmt.Errorf("event finalized in state %s", s)
		}
		return StateTerminated, nil, nil
	}

	switch s {
	case StateAdmitted:
		if ev.Kind == EvStart {
			return StateGreeting, []Effect{EffPlayGreeting}, nil
		}
	case StateGreeting:
		switch ev.Kind {
		case EvGreetingDone:
			if ev.DTMFMode {
				return StateListeningDTMF, []Effect{EffAnnounceDTMF, EffBeginCapture}, nil
			}
			return StateListening, []Effect{EffBeginCapture}, nil
		case EvDegradeDTMF:
			return StateListeningDTMF, []Effect{EffAnnounceDTMF, EffBeginCapture}, nil
		}
	case StateListening:
		switch ev.Kind {
		case EvUtteranceFinal:
			return StateTranscribing, []Effect{EffTranscribe}, nil
		case EvDegradeDTMF:
			return StateListeningDTMF, []Effect{EffAnnounceDTMF, EffBeginCapture}, nil
		}
	case StateListeningDTMF:
		if ev.Kind == EvDigitsFinal {
			// Keypad input needs no recognition stage.
			return StateUnderstanding, []Effect{EffUnderstand}, nil
		}
	case StateTranscribing:
		switch ev.Kind {
		case EvTranscript:
			return StateUnderstanding, []Effect{EffUnderstand}, nil
		case EvTranscriptLow:
			if ev.Retries >= ev.MaxRetries {
				return StateTransferring, []Effect{EffRequestTransfer}, nil
			}
			return StateListening, []Effect{EffPromptRepeat, EffBeginCapture}, nil
		case EvDegradeDTMF:
			return StateListeningDTMF, []Effect{EffAnnounceDTMF, EffBeginCapture}, nil
		case EvEscalateTransfer:
			return StateTransferring, []Effect{EffRequestTransfer}, nil
		}
	case StateUnderstanding:
		switch ev.Kind {
		case EvUnderstood:
			return StateResponding, []Effect{EffSpeakResponse}, nil
		case EvEscalateTransfer:
			return StateTransferring, []Effect{EffRequestTransfer}, nil
		}
	case StateResponding:
		switch ev.Kind {
		case EvPlaybackDone:
			if ev.DTMFMode {
				return StateListeningDTMF, []Effect{EffBeginCapture}, nil
			}
			return StateListening, []Effect{EffBeginCapture}, nil
		case EvBargeIn:
			// Barge-in never happens in DTMF mode: the monitor only
			// runs when speech owns the inbound channel.
			return StateListening, []Effect{EffCancelPlayback, EffBeginCapture}, nil
		case EvEscalateTransfer:
			return StateTransferring, []Effect{EffCancelPlayback, EffRequestTransfer}, nil
		}
	case StateTransferring:
		switch ev.Kind {
		case EvTransferOK:
			return StateEnding, []Effect{EffFinalize}, nil
		case EvNoAgent:
			return StateAwaitingCallback, []Effect{EffScheduleCallback}, nil
		}
	case StateAwaitingCallback:
		if ev.Kind == EvCallbackScheduled {
			return StateEnding, []Effect{EffFinalize}, nil
		}
	case StateEnding, StateTerminated:
		// Only the teardown events handled above are legal here.
	}

	return s, nil, fmt.Errorf("illegal event %s in state %s", ev.Kind, s)
}
