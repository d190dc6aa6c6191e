package session

import (
	"testing"
)

func TestTransition_HappyPath(t *testing.T) {
	steps := []struct {
		ev   Event
		want State
	}{
		{Event{Kind: EvStart}, StateGreeting},
		{Event{Kind: EvGreetingDone}, StateListening},
		{Event{Kind: EvUtteranceFinal}, StateTranscribing},
		{Event{Kind: EvTranscript}, StateUnderstanding},
		{Event{Kind: EvUnderstood}, StateResponding},
		{Event{Kind: EvPlaybackDone}, StateListening},
		{Event{Kind: EvUtteranceFinal}, StateTranscribing},
		{Event{Kind: EvTranscript}, StateUnderstanding},
		{Event{Kind: EvUnderstood}, StateResponding},
		{Event{Kind: EvHangup}, StateEnding},
		{Event{Kind: EvFinalized}, StateTerminated},
	}

	s := StateAdmitted
	for i, step := range steps {
		next, _, err := Transition(s, step.ev)
		if err != nil {
			t.Fatalf("step %d (%s in %s): %v", i, step.ev.Kind, s, err)
		}
		if next != step.want {
			t.Fatalf("step %d: state=%s, want %s", i, next, step.want)
		}
		s = next
	}
}

func TestTransition_BargeInCancelsPlayback(t *testing.T) {
	next, effects, err := Transition(StateResponding, Event{Kind: EvBargeIn})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if next != StateListening {
		t.Fatalf("state=%s, want listening", next)
	}
	if !hasEffect(effects, EffCancelPlayback) {
		t.Fatalf("effects=%v, want cancel playback", effects)
	}
	if !hasEffect(effects, EffBeginCapture) {
		t.Fatalf("effects=%v, want begin capture", effects)
	}
}

func TestTransition_LowConfidenceRetryThenTransfer(t *testing.T) {
	// First low-confidence result: prompt and listen again.
	next, effects, err := Transition(StateTranscribing, Event{Kind: EvTranscriptLow, Retries: 1, MaxRetries: 2})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if next != StateListening || !hasEffect(effects, EffPromptRepeat) {
		t.Fatalf("state=%s effects=%v, want listening with repeat prompt", next, effects)
	}

	// Second consecutive low-confidence result: no third silent loop.
	next, effects, err = Transition(StateTranscribing, Event{Kind: EvTranscriptLow, Retries: 2, MaxRetries: 2})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if next != StateTransferring || !hasEffect(effects, EffRequestTransfer) {
		t.Fatalf("state=%s effects=%v, want transferring", next, effects)
	}
}

func TestTransition_HangupShortCircuitsEveryLiveState(t *testing.T) {
	live := []State{
		StateAdmitted, StateGreeting, StateListening, StateListeningDTMF,
		StateTranscribing, StateUnderstanding, StateResponding,
		StateTransferring, StateAwaitingCallback,
	}
	for _, s := range live {
		next, effects, err := Transition(s, Event{Kind: EvHangup})
		if err != nil {
			t.Fatalf("hangup in %s: %v", s, err)
		}
		if next != StateEnding {
			t.Fatalf("hangup in %s: state=%s, want ending", s, next)
		}
		if !hasEffect(effects, EffFinalize) {
			t.Fatalf("hangup in %s: effects=%v, want finalize", s, effects)
		}
	}

	// Hangup while already ending is absorbed.
	next, effects, err := Transition(StateEnding, Event{Kind: EvHangup})
	if err != nil || next != StateEnding || len(effects) != 0 {
		t.Fatalf("hangup in ending=(%s,%v,%v), want no-op", next, effects, err)
	}
}

func TestTransition_TerminatedIsTerminal(t *testing.T) {
	events := []EventKind{
		EvStart, EvGreetingDone, EvUtteranceFinal, EvTranscript,
		EvUnderstood, EvPlaybackDone, EvBargeIn, EvHangup, EvTimeout,
		EvFinalized,
	}
	for _, k := range events {
		next, _, err := Transition(StateTerminated, Event{Kind: k})
		if err == nil {
			t.Fatalf("event %s accepted in terminated", k)
		}
		if next != StateTerminated {
			t.Fatalf("event %s moved terminated to %s", k, next)
		}
	}
}

func TestTransition_DTMFModeSticky(t *testing.T) {
	// Degradation can strike while listening.
	next, effects, err := Transition(StateListening, Event{Kind: EvDegradeDTMF})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if next != StateListeningDTMF || !hasEffect(effects, EffAnnounceDTMF) {
		t.Fatalf("state=%s effects=%v, want listening_dtmf announced", next, effects)
	}

	// Digits bypass the recognition stage entirely.
	next, effects, err = Transition(StateListeningDTMF, Event{Kind: EvDigitsFinal})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if next != StateUnderstanding || !hasEffect(effects, EffUnderstand) {
		t.Fatalf("state=%s effects=%v, want understanding", next, effects)
	}

	// After the response plays, a sticky DTMF session returns to keypad
	// listening, not speech.
	next, _, err = Transition(StateResponding, Event{Kind: EvPlaybackDone, DTMFMode: true})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if next != StateListeningDTMF {
		t.Fatalf("state=%s, want listening_dtmf", next)
	}
}

func TestTransition_TransferOutcomes(t *testing.T) {
	next, _, err := Transition(StateTransferring, Event{Kind: EvTransferOK})
	if err != nil || next != StateEnding {
		t.Fatalf("transfer ok=(%s,%v), want ending", next, err)
	}

	next, effects, err := Transition(StateTransferring, Event{Kind: EvNoAgent})
	if err != nil || next != StateAwaitingCallback {
		t.Fatalf("no agent=(%s,%v), want awaiting_callback", next, err)
	}
	if !hasEffect(effects, EffScheduleCallback) {
		t.Fatalf("effects=%v, want schedule callback", effects)
	}

	next, _, err = Transition(StateAwaitingCallback, Event{Kind: EvCallbackScheduled})
	if err != nil || next != StateEnding {
		t.Fatalf("callback scheduled=(%s,%v), want ending", next, err)
	}
}

func TestTransition_IllegalEventLeavesStateUnchanged(t *testing.T) {
	next, effects, err := Transition(StateListening, Event{Kind: EvPlaybackDone})
	if err == nil {
		t.Fatalf("playback_done accepted while listening")
	}
	if next != StateListening || effects != nil {
		t.Fatalf("illegal event mutated state: (%s,%v)", next, effects)
	}
}

func hasEffect(effects []Effect, want Effect) bool {
	for _, e := range effects {
		if e == want {
			return true
		}
	}
	return false
}
