package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrVoiceInactive is returned by [Voice.Stop] when the voice has already
// finished or been stopped. Callers tearing down playback treat it as benign.
var ErrVoiceInactive = errors.New("audio: voice is no longer active")

// Direction names the data flow of a device.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// DeviceUnavailableError reports that a microphone or speaker could not be
// acquired, e.g. because permission was denied or no device exists.
type DeviceUnavailableError struct {
	Direction Direction

	// Device is the requested device name; empty means the system default.
	Device string

	Err error
}

// Error implements error.
func (e *DeviceUnavailableError) Error() string {
	name := e.Device
	if name == "" {
		name = "default"
	}
	return fmt.Sprintf("audio: %s device %q unavailable: %v", e.Direction, name, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// InputConfig selects and configures a capture device.
type InputConfig struct {
	// Device is a device name; empty selects the system default.
	Device string

	// SampleRate in Hz requested from the device.
	SampleRate int

	// FrameSize is the number of samples delivered per [FrameHandler] call.
	FrameSize int
}

// OutputConfig selects and configures a playback device.
type OutputConfig struct {
	// Device is a device name; empty selects the system default.
	Device string

	// SampleRate in Hz requested from the device.
	SampleRate int
}

// FrameHandler receives captured frames. It runs on the device's capture
// context and must not block.
type FrameHandler func(Frame)

// Clock is a monotonic playback clock measured from stream start.
type Clock interface {
	Now() time.Duration
}

// InputDevice is an acquired microphone.
type InputDevice interface {
	// Format reports the negotiated format. Frames are always mono.
	Format() Format

	// Start begins delivering frames to h. It may be called at most once.
	Start(h FrameHandler) error

	// Close stops capture and releases the device. No handler invocation
	// happens after Close returns. Close is idempotent.
	Close() error
}

// Voice is a handle to one scheduled [Buffer].
type Voice interface {
	// Stop silences the voice immediately. It returns [ErrVoiceInactive] if the
	// voice already ended.
	Stop() error
}

// OutputDevice is an acquired speaker with a sample-accurate clock.
type OutputDevice interface {
	Clock

	// Format reports the negotiated format. Buffers must match its rate.
	Format() Format

	// Schedule queues buf to start at the given clock time. A start time in
	// the past plays immediately. onEnded, if non-nil, is called exactly once
	// when the voice finishes or is stopped. It is never called synchronously
	// from Schedule or Stop.
	Schedule(buf *Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops all voices and releases the device. Close is idempotent.
	Close() error
}

// Host opens audio devices.
type Host interface {
	// OpenInput acquires a capture device. Failures are reported as
	// *[DeviceUnavailableError].
	OpenInput(ctx context.Context, cfg InputConfig) (InputDevice, error)

	// OpenOutput acquires a playback device. Failures are reported as
	// *[DeviceUnavailableError].
	OpenOutput(ctx context.Context, cfg OutputConfig) (OutputDevice, error)
}
