package audio

import "time"

// SilenceTracker decides when an utterance should be finalized: after a
// configured stretch of continuous silence following at least some speech.
// The caller feeds it one frame at a time; the tracker is not safe for
// concurrent use and is meant to be owned by a single session loop.
type SilenceTracker struct {
	threshold float64       // energy at or above this counts as speech
	window    time.Duration // continuous silence required to finalize

	now func() time.Time

	heardSpeech bool
	silentSince time.Time
	finalized   bool
}

// NewSilenceTracker creates a tracker that finalizes after window of
// continuous silence, where frames with RMS energy >= threshold count as
// speech and reset the window.
func NewSilenceTracker(threshold float64, window time.Duration) *SilenceTracker {
	return &SilenceTracker{
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Observe feeds one inbound frame. It returns true exactly once per
// utterance: on the first silent frame at or past the silence window
// following detected speech. Further frames return false until Reset.
func (st *SilenceTracker) Observe(pcm []byte) bool {
	if st.finalized {
		return false
	}

	t := st.now()
	if RMSEnergy(pcm) >= st.threshold {
		st.heardSpeech = true
		st.silentSince = time.Time{}
		return false
	}

	if !st.heardSpeech {
		return false
	}
	if st.silentSince.IsZero() {
		st.silentSince = t
		return false
	}
	if t.Sub(st.silentSince) >= st.window {
		st.finalized = true
		return true
	}
	return false
}

// SpeechHeard reports whether any speech-energy frame has been observed
// since the last Reset.
func (st *SilenceTracker) SpeechHeard() bool {
	return st.heardSpeech
}

// Deadline returns the instant at which the current silence run will
// finalize the utterance, and false if no silence run is in progress.
func (st *SilenceTracker) Deadline() (time.Time, bool) {
	if st.finalized || !st.heardSpeech || st.silentSince.IsZero() {
		return time.Time{}, false
	}
	return st.silentSince.Add(st.window), true
}

// Reset prepares the tracker for the next utterance.
func (st *SilenceTracker) Reset() {
	st.heardSpeech = false
	st.silentSince = time.Time{}
	st.finalized = false
}
