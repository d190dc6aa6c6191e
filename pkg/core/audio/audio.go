// Package audio provides PCM analysis helpers for telephone media: energy
// measurement used by silence detection and barge-in, and bounded buffering
// for utterance capture.
package audio

import (
	"math"
	"sync"
)

// RMSEnergy computes the normalized root-mean-square energy of 16-bit
// little-endian PCM samples. Returns a value in [0.0, 1.0] where 0 is
// silence and 1 is a full-scale signal.
func RMSEnergy(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	n := len(pcm) / 2
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}

// PeakAmplitude returns the normalized absolute peak of 16-bit LE PCM
// samples, in [0.0, 1.0].
func PeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var peak float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		f := math.Abs(float64(s) / 32768.0)
		if f > peak {
			peak = f
		}
	}
	return peak
}

// Format describes the PCM stream carried on the telephone media channel.
type Format struct {
	SampleRate    int // samples per second
	BytesPerFrame int // size of one transport frame in bytes
}

// DefaultFormat is 8 kHz mono PCM16 in 20 ms frames, the narrowband
// telephony standard.
func DefaultFormat() Format {
	return Format{
		SampleRate:    8000,
		BytesPerFrame: 320, // 20 ms * 8000 Hz * 2 bytes
	}
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * 2
}

// FrameDuration returns the duration in milliseconds of n bytes of audio.
func (f Format) FrameDuration(n int) float64 {
	if f.SampleRate == 0 {
		return 0
	}
	return float64(n) / float64(f.BytesPerSecond()) * 1000
}

// Buffer accumulates PCM bytes up to a byte cap, discarding the oldest
// audio once the cap is exceeded. Safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
}

// NewBuffer creates a buffer capped at maxBytes. A cap of 0 or less means
// unbounded.
func NewBuffer(maxBytes int) *Buffer {
	return &Buffer{maxBytes: maxBytes}
}

// Write appends PCM bytes, trimming from the front if the cap is exceeded.
func (b *Buffer) Write(pcm []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, pcm...)
	if b.maxBytes > 0 && len(b.data) > b.maxBytes {
		b.data = b.data[len(b.data)-b.maxBytes:]
	}
}

// Bytes returns a copy of the buffered audio.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Reset discards all buffered audio.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
}
