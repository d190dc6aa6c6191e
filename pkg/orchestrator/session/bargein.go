package session

import (
	"github.com/voxhall/switchboard/pkg/core/audio"
)

// bargeInMonitor watches inbound frames while a response is playing and
// trips when the caller starts speaking over it. It only ever runs while
// the session is in StateResponding; outside that state inbound audio
// belongs to the capture path. Owned by the session loop, not safe for
// concurrent use.
type bargeInMonitor struct {
	threshold   float64 // speech energy floor
	minFrames   int     // consecutive frames above the floor to trip
	aboveStreak int
	tripped     bool
}

func newBargeInMonitor(threshold float64, minFrames int) *bargeInMonitor {
	if minFrames <= 0 {
		minFrames = 1
	}
	return &bargeInMonitor{threshold: threshold, minFrames: minFrames}
}

// Observe feeds one inbound frame during playback. It returns true exactly
// once: on the frame that crosses the consecutive-speech bar. A moment of
// line noise below the bar never trips it.
func (m *bargeInMonitor) Observe(pcm []byte) bool {
	if m.tripped {
		return false
	}
	if audio.RMSEnergy(pcm) >= m.threshold {
		m.aboveStreak++
		if m.aboveStreak >= m.minFrames {
			m.tripped = true
			return true
		}
		return false
	}
	m.aboveStreak = 0
	return false
}

// Reset prepares the monitor for the next playback.
func (m *bargeInMonitor) Reset() {
	m.aboveStreak = 0
	m.tripped = false
}
