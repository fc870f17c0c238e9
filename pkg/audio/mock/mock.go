// Package mock provides deterministic in-memory implementations of
// [audio.Host], [audio.InputDevice] and [audio.OutputDevice] for unit tests.
//
// All mocks are safe for concurrent use. The output device runs on a manual
// [Clock] that tests advance explicitly, and voices only end when the test
// calls [Voice.Finish] or the voice is stopped.
//
// Typical usage:
//
//	host := &mock.Host{}
//	in, _ := host.OpenInput(ctx, audio.InputConfig{SampleRate: 16000, FrameSize: 4096})
//	_ = in.Start(handler)
//	host.LastInput().Emit(make([]float32, 4096))
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/siren/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Host         = (*Host)(nil)
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.Voice        = (*Voice)(nil)
	_ audio.Clock        = (*Clock)(nil)
)

// ─── Clock ────────────────────────────────────────────────────────────────────

// Clock is a manually driven [audio.Clock].
type Clock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now implements [audio.Clock].
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// ─── Host ─────────────────────────────────────────────────────────────────────

// Host is a mock implementation of [audio.Host].
// Set the exported error fields before use; inspect the device lists after.
type Host struct {
	mu sync.Mutex

	// InputErr, if set, is returned by OpenInput wrapped in a
	// *[audio.DeviceUnavailableError].
	InputErr error

	// OutputErr, if set, is returned by OpenOutput wrapped in a
	// *[audio.DeviceUnavailableError].
	OutputErr error

	// Clock drives every output device opened by this host. A fresh clock is
	// created on first use if nil.
	Clock *Clock

	// BeforeOpen, if non-nil, is invoked at the start of each Open call with
	// the direction being opened. Tests use it to interleave other operations.
	BeforeOpen func(audio.Direction)

	inputs  []*InputDevice
	outputs []*OutputDevice
}

// OpenInput implements [audio.Host].
func (h *Host) OpenInput(_ context.Context, cfg audio.InputConfig) (audio.InputDevice, error) {
	if h.BeforeOpen != nil {
		h.BeforeOpen(audio.DirectionInput)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.InputErr != nil {
		return nil, &audio.DeviceUnavailableError{Direction: audio.DirectionInput, Device: cfg.Device, Err: h.InputErr}
	}
	d := &InputDevice{format: audio.Format{SampleRate: cfg.SampleRate, Channels: 1}}
	h.inputs = append(h.inputs, d)
	return d, nil
}

// OpenOutput implements [audio.Host].
func (h *Host) OpenOutput(_ context.Context, cfg audio.OutputConfig) (audio.OutputDevice, error) {
	if h.BeforeOpen != nil {
		h.BeforeOpen(audio.DirectionOutput)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.OutputErr != nil {
		return nil, &audio.DeviceUnavailableError{Direction: audio.DirectionOutput, Device: cfg.Device, Err: h.OutputErr}
	}
	if h.Clock == nil {
		h.Clock = &Clock{}
	}
	d := NewOutputDevice(h.Clock, cfg.SampleRate)
	h.outputs = append(h.outputs, d)
	return d, nil
}

// Inputs returns every input device opened so far.
func (h *Host) Inputs() []*InputDevice {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*InputDevice(nil), h.inputs...)
}

// Outputs returns every output device opened so far.
func (h *Host) Outputs() []*OutputDevice {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*OutputDevice(nil), h.outputs...)
}

// LastInput returns the most recently opened input device, or nil.
func (h *Host) LastInput() *InputDevice {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.inputs) == 0 {
		return nil
	}
	return h.inputs[len(h.inputs)-1]
}

// LastOutput returns the most recently opened output device, or nil.
func (h *Host) LastOutput() *OutputDevice {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outputs) == 0 {
		return nil
	}
	return h.outputs[len(h.outputs)-1]
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock [audio.InputDevice]. Frames are injected with Emit.
type InputDevice struct {
	mu      sync.Mutex
	format  audio.Format
	handler audio.FrameHandler
	emitted int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// NewInputDevice returns an unopened mock capture device at rate.
func NewInputDevice(rate int) *InputDevice {
	return &InputDevice{format: audio.Format{SampleRate: rate, Channels: 1}}
}

// Format implements [audio.InputDevice].
func (d *InputDevice) Format() audio.Format { return d.format }

// Start implements [audio.InputDevice].
func (d *InputDevice) Start(h audio.FrameHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.closed {
		return errors.New("mock: input device closed")
	}
	if d.handler != nil {
		return errors.New("mock: input device already started")
	}
	d.handler = h
	return nil
}

// Close implements [audio.InputDevice].
func (d *InputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.closed = true
	d.handler = nil
	return nil
}

// Emit delivers one frame to the registered handler. It reports whether the
// frame was delivered, which is false before Start and after Close. The
// handler runs while the device lock is held, mirroring the guarantee that no
// callback outlives Close.
func (d *InputDevice) Emit(samples []float32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		return false
	}
	ts := time.Duration(d.emitted) * time.Second / time.Duration(max(d.format.SampleRate, 1))
	d.emitted += len(samples)
	d.handler(audio.Frame{Samples: samples, SampleRate: d.format.SampleRate, Timestamp: ts})
	return true
}

// Closed reports whether Close has been called.
func (d *InputDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock [audio.OutputDevice] that records scheduled voices.
type OutputDevice struct {
	clock  *Clock
	format audio.Format

	mu     sync.Mutex
	voices []*Voice

	// ScheduleErr, if set, is returned by Schedule.
	ScheduleErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// NewOutputDevice returns a mock playback device driven by clock.
func NewOutputDevice(clock *Clock, rate int) *OutputDevice {
	return &OutputDevice{clock: clock, format: audio.Format{SampleRate: rate, Channels: 1}}
}

// Now implements [audio.Clock].
func (d *OutputDevice) Now() time.Duration { return d.clock.Now() }

// Format implements [audio.OutputDevice].
func (d *OutputDevice) Format() audio.Format { return d.format }

// Schedule implements [audio.OutputDevice].
func (d *OutputDevice) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleErr != nil {
		return nil, d.ScheduleErr
	}
	if d.closed {
		return nil, errors.New("mock: output device closed")
	}
	v := &Voice{Buffer: buf, At: at, onEnded: onEnded}
	d.voices = append(d.voices, v)
	return v, nil
}

// Close implements [audio.OutputDevice]. Voices still playing are stopped.
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	d.CallCountClose++
	d.closed = true
	voices := append([]*Voice(nil), d.voices...)
	d.mu.Unlock()
	for _, v := range voices {
		_ = v.Stop()
	}
	return nil
}

// Voices returns every voice scheduled so far, in scheduling order.
func (d *OutputDevice) Voices() []*Voice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Voice(nil), d.voices...)
}

// Closed reports whether Close has been called.
func (d *OutputDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// ─── Voice ────────────────────────────────────────────────────────────────────

// Voice is a mock [audio.Voice].
type Voice struct {
	// Buffer is the scheduled audio.
	Buffer *audio.Buffer

	// At is the scheduled start time.
	At time.Duration

	mu      sync.Mutex
	onEnded func()
	ended   bool
	stopped bool
}

// Stop implements [audio.Voice]. The ended callback fires on a new goroutine.
func (v *Voice) Stop() error {
	cb, ok := v.end(true)
	if !ok {
		return audio.ErrVoiceInactive
	}
	if cb != nil {
		go cb()
	}
	return nil
}

// Finish simulates natural completion and invokes the ended callback on the
// calling goroutine. It returns false if the voice had already ended.
func (v *Voice) Finish() bool {
	cb, ok := v.end(false)
	if ok && cb != nil {
		cb()
	}
	return ok
}

// Stopped reports whether the voice was ended by Stop.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Ended reports whether the voice has ended for any reason.
func (v *Voice) Ended() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ended
}

func (v *Voice) end(stopped bool) (func(), bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ended {
		return nil, false
	}
	v.ended = true
	v.stopped = stopped
	return v.onEnded, true
}
