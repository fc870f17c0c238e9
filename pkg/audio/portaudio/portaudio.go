// Package portaudio implements [audio.Host] on top of the PortAudio C library.
//
// Every opened device holds its own PortAudio initialization reference, so
// devices can be opened and closed independently. Input frames are delivered
// on the PortAudio callback thread. Output is a callback stream that mixes
// every scheduled voice at its sample position, and the device clock counts
// rendered frames.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/siren/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Host         = (*Host)(nil)
	_ audio.InputDevice  = (*inputDevice)(nil)
	_ audio.OutputDevice = (*outputDevice)(nil)
	_ audio.Voice        = (*voice)(nil)
)

// defaultOutputFrames is the callback buffer size for playback streams.
const defaultOutputFrames = 512

// Host opens PortAudio devices.
type Host struct{}

// NewHost returns a PortAudio-backed [audio.Host].
func NewHost() *Host { return &Host{} }

// OpenInput implements [audio.Host].
func (h *Host) OpenInput(_ context.Context, cfg audio.InputConfig) (audio.InputDevice, error) {
	unavailable := func(err error) error {
		return &audio.DeviceUnavailableError{Direction: audio.DirectionInput, Device: cfg.Device, Err: err}
	}
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, unavailable(fmt.Errorf("invalid sample rate %d or frame size %d", cfg.SampleRate, cfg.FrameSize))
	}
	if err := pa.Initialize(); err != nil {
		return nil, unavailable(err)
	}
	info, err := findDevice(cfg.Device, audio.DirectionInput)
	if err != nil {
		_ = pa.Terminate()
		return nil, unavailable(err)
	}

	d := &inputDevice{format: audio.Format{SampleRate: cfg.SampleRate, Channels: 1}}
	params := pa.LowLatencyParameters(info, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FrameSize

	stream, err := pa.OpenStream(params, d.process)
	if err != nil {
		_ = pa.Terminate()
		return nil, unavailable(err)
	}
	d.stream = stream
	slog.Debug("portaudio: input opened", "device", info.Name, "format", d.format.String(), "frame_size", cfg.FrameSize)
	return d, nil
}

// OpenOutput implements [audio.Host].
func (h *Host) OpenOutput(_ context.Context, cfg audio.OutputConfig) (audio.OutputDevice, error) {
	unavailable := func(err error) error {
		return &audio.DeviceUnavailableError{Direction: audio.DirectionOutput, Device: cfg.Device, Err: err}
	}
	if cfg.SampleRate <= 0 {
		return nil, unavailable(fmt.Errorf("invalid sample rate %d", cfg.SampleRate))
	}
	if err := pa.Initialize(); err != nil {
		return nil, unavailable(err)
	}
	info, err := findDevice(cfg.Device, audio.DirectionOutput)
	if err != nil {
		_ = pa.Terminate()
		return nil, unavailable(err)
	}

	params := pa.LowLatencyParameters(nil, info)
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = defaultOutputFrames
	if params.Output.Channels < 1 {
		params.Output.Channels = 1
	}

	d := newOutputDevice(cfg.SampleRate, params.Output.Channels)
	stream, err := pa.OpenStream(params, d.process)
	if err != nil {
		_ = pa.Terminate()
		return nil, unavailable(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, unavailable(err)
	}
	d.stream = stream
	slog.Debug("portaudio: output opened", "device", info.Name, "format", d.format.String(), "device_channels", d.channels)
	return d, nil
}

// findDevice resolves name to a device supporting dir. An empty name selects
// the system default.
func findDevice(name string, dir audio.Direction) (*pa.DeviceInfo, error) {
	if name == "" {
		if dir == audio.DirectionInput {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Name != name {
			continue
		}
		if dir == audio.DirectionInput && d.MaxInputChannels > 0 {
			return d, nil
		}
		if dir == audio.DirectionOutput && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no %s device named %q", dir, name)
}

// ─── Input ────────────────────────────────────────────────────────────────────

type inputDevice struct {
	stream *pa.Stream
	format audio.Format

	handler  atomic.Pointer[audio.FrameHandler]
	captured atomic.Int64

	mu      sync.Mutex
	started bool
	closed  bool
}

func (d *inputDevice) Format() audio.Format { return d.format }

func (d *inputDevice) Start(h audio.FrameHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("portaudio: input device closed")
	}
	if d.started {
		return errors.New("portaudio: input device already started")
	}
	d.handler.Store(&h)
	if err := d.stream.Start(); err != nil {
		d.handler.Store(nil)
		return fmt.Errorf("portaudio: start input: %w", err)
	}
	d.started = true
	return nil
}

// process runs on the PortAudio callback thread.
func (d *inputDevice) process(in []float32) {
	h := d.handler.Load()
	if h == nil {
		return
	}
	samples := make([]float32, len(in))
	copy(samples, in)
	n := d.captured.Add(int64(len(in))) - int64(len(in))
	(*h)(audio.Frame{
		Samples:    samples,
		SampleRate: d.format.SampleRate,
		Timestamp:  time.Duration(n) * time.Second / time.Duration(d.format.SampleRate),
	})
}

func (d *inputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.handler.Store(nil)

	var errs []error
	if d.started {
		// Abort blocks until the callback has returned.
		if err := d.stream.Abort(); err != nil {
			errs = append(errs, fmt.Errorf("abort: %w", err))
		}
	}
	if err := d.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("terminate: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("portaudio: close input: %w", err)
	}
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

type outputDevice struct {
	stream   *pa.Stream
	format   audio.Format
	channels int

	// rendered counts frames handed to the device since stream start.
	rendered atomic.Int64

	// mix is scratch space for process. Only the callback thread touches it.
	mix []float32

	mu     sync.Mutex
	voices []*voice
	closed bool
}

func newOutputDevice(rate, channels int) *outputDevice {
	return &outputDevice{
		format:   audio.Format{SampleRate: rate, Channels: 1},
		channels: channels,
		mix:      make([]float32, defaultOutputFrames),
	}
}

type voice struct {
	dev     *outputDevice
	samples []float32
	start   int64
	onEnded func()
	ended   bool // guarded by dev.mu
}

func (d *outputDevice) Format() audio.Format { return d.format }

func (d *outputDevice) Now() time.Duration {
	return time.Duration(d.rendered.Load()) * time.Second / time.Duration(d.format.SampleRate)
}

func (d *outputDevice) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	if buf.SampleRate != d.format.SampleRate {
		return nil, fmt.Errorf("portaudio: buffer rate %d does not match device rate %d", buf.SampleRate, d.format.SampleRate)
	}
	start := audio.SamplePosition(at, d.format.SampleRate)
	if now := d.rendered.Load(); start < now {
		start = now
	}
	v := &voice{dev: d, samples: buf.Samples, start: start, onEnded: onEnded}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("portaudio: output device closed")
	}
	d.voices = append(d.voices, v)
	return v, nil
}

// process runs on the PortAudio callback thread. It sums every voice that
// overlaps the current block and duplicates the mono mix to each channel.
func (d *outputDevice) process(out []float32) {
	frames := len(out) / d.channels
	base := d.rendered.Load()
	if cap(d.mix) < frames {
		d.mix = make([]float32, frames)
	}
	mix := d.mix[:frames]
	clear(mix)

	var finished []*voice
	d.mu.Lock()
	kept := d.voices[:0]
	for _, v := range d.voices {
		for i := range frames {
			idx := base + int64(i) - v.start
			if idx >= 0 && idx < int64(len(v.samples)) {
				mix[i] += v.samples[idx]
			}
		}
		if base+int64(frames) >= v.start+int64(len(v.samples)) {
			v.ended = true
			finished = append(finished, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(d.voices[len(kept):])
	d.voices = kept
	d.mu.Unlock()

	for i, s := range mix {
		s = max(-1, min(1, s))
		for c := range d.channels {
			out[i*d.channels+c] = s
		}
	}
	d.rendered.Add(int64(frames))

	for _, v := range finished {
		if v.onEnded != nil {
			go v.onEnded()
		}
	}
}

func (v *voice) Stop() error {
	d := v.dev
	d.mu.Lock()
	if v.ended {
		d.mu.Unlock()
		return audio.ErrVoiceInactive
	}
	v.ended = true
	for i, other := range d.voices {
		if other == v {
			d.voices = append(d.voices[:i], d.voices[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	if v.onEnded != nil {
		go v.onEnded()
	}
	return nil
}

func (d *outputDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var errs []error
	if err := d.stream.Abort(); err != nil {
		errs = append(errs, fmt.Errorf("abort: %w", err))
	}
	if err := d.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	d.mu.Lock()
	remaining := d.voices
	d.voices = nil
	for _, v := range remaining {
		v.ended = true
	}
	d.mu.Unlock()
	for _, v := range remaining {
		if v.onEnded != nil {
			go v.onEnded()
		}
	}

	if err := pa.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("terminate: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("portaudio: close output: %w", err)
	}
	return nil
}
