// Package audio defines the sample types, PCM16 codec and device contracts
// used by Siren's capture and playback paths.
//
// The package has three layers:
//
//   - [Frame] and [Buffer] carry normalized float32 samples in [-1, 1].
//   - [Encode], [Decode], [EncodeText] and [DecodeText] convert between those
//     samples and the 16-bit little-endian wire representation.
//   - [Host], [InputDevice] and [OutputDevice] abstract the sound card. The
//     portaudio sub-package provides the real implementation and the mock
//     sub-package a deterministic one for tests.
//
// This package lives under pkg/ because alternative device backends are
// expected to implement [Host].
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is one fixed-size block of mono samples delivered by an [InputDevice].
type Frame struct {
	// Samples holds normalized samples in [-1, 1]. The slice is owned by the
	// receiver; devices never reuse it after delivery.
	Samples []float32

	// SampleRate in Hz at which the samples were captured.
	SampleRate int

	// Timestamp is the capture position relative to stream start.
	Timestamp time.Duration
}

// Buffer is a decoded, playable block of mono audio.
type Buffer struct {
	// Samples holds normalized samples in [-1, 1] at SampleRate.
	Samples []float32

	// SampleRate in Hz of Samples.
	SampleRate int

	// Duration is the playback length of Samples at SampleRate, truncated to
	// whole nanoseconds.
	Duration time.Duration
}

// NewBuffer wraps samples at rate into a [Buffer] whose duration is
// len(samples)/rate.
func NewBuffer(samples []float32, rate int) *Buffer {
	return &Buffer{
		Samples:    samples,
		SampleRate: rate,
		Duration:   samplesDuration(len(samples), rate),
	}
}

// SamplePosition converts a device clock position to the nearest sample
// index at rate. It is the inverse of the duration of n samples, so a buffer
// scheduled at the end of the previous one starts on the sample after it.
func SamplePosition(at time.Duration, rate int) int64 {
	if rate <= 0 || at <= 0 {
		return 0
	}
	return (int64(at)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
