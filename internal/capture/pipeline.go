// Package capture turns microphone frames into encoded audio chunks and
// forwards them to the live connection.
//
// Frames are gated at capture time: until [Pipeline.SetReady] opens the gate,
// every frame is dropped on the device callback and never queued, so nothing
// captured before the connection was ready can reach the wire later. Ready
// frames are encoded and placed on a bounded queue. When the queue is full the
// frame is dropped rather than blocking the audio callback. A single forwarder
// goroutine drains the queue into the [Sender].
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/siren/internal/observe"
	"github.com/MrWong99/siren/pkg/audio"
)

// DefaultQueueSize is the number of encoded chunks buffered between the
// capture callback and the forwarder.
const DefaultQueueSize = 8

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("capture: pipeline stopped")

// Sender transmits one encoded chunk of 16-bit little-endian PCM.
type Sender interface {
	SendAudio(ctx context.Context, chunk []byte) error
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, chunk []byte) error

// SendAudio calls f.
func (f SenderFunc) SendAudio(ctx context.Context, chunk []byte) error { return f(ctx, chunk) }

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithQueueSize sets the chunk queue capacity. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Pipeline owns an [audio.InputDevice] and forwards its frames to a [Sender].
type Pipeline struct {
	input     audio.InputDevice
	sender    Sender
	metrics   *observe.Metrics
	queueSize int

	queue  chan []byte
	ready  atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool

	warnFull sync.Once
	warnSend sync.Once
}

// New creates a [Pipeline] reading from input and sending to sender. The
// pipeline takes ownership of input and closes it in [Pipeline.Stop].
func New(input audio.InputDevice, sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		input:     input,
		sender:    sender,
		metrics:   observe.DefaultMetrics(),
		queueSize: DefaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.queue = make(chan []byte, p.queueSize)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start registers the frame handler on the device and launches the
// forwarder. The gate starts closed.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return nil
	}
	if err := p.input.Start(p.handleFrame); err != nil {
		return fmt.Errorf("capture: start input: %w", err)
	}
	p.started = true
	go p.forward()
	return nil
}

// SetReady opens or closes the gate. While closed, captured frames are
// dropped.
func (p *Pipeline) SetReady(ready bool) {
	p.ready.Store(ready)
}

// Ready reports whether the gate is open.
func (p *Pipeline) Ready() bool {
	return p.ready.Load()
}

// handleFrame runs on the device callback and must not block.
func (p *Pipeline) handleFrame(f audio.Frame) {
	if !p.ready.Load() {
		p.metrics.RecordFrame(p.ctx, observe.FrameNotReady)
		return
	}
	chunk := audio.Encode(f.Samples)
	select {
	case p.queue <- chunk:
		p.metrics.RecordFrame(p.ctx, observe.FrameQueued)
	default:
		p.metrics.RecordFrame(p.ctx, observe.FrameQueueFull)
		p.warnFull.Do(func() {
			slog.Warn("capture: send queue full, dropping frames", "capacity", p.queueSize)
		})
	}
}

func (p *Pipeline) forward() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case chunk := <-p.queue:
			if !p.ready.Load() {
				continue
			}
			if err := p.sender.SendAudio(p.ctx, chunk); err != nil {
				if p.ctx.Err() != nil {
					return
				}
				p.metrics.SendErrors.Add(p.ctx, 1)
				p.warnSend.Do(func() {
					slog.Warn("capture: send failed, dropping chunk", "err", err)
				})
				continue
			}
			p.metrics.ChunksSent.Add(p.ctx, 1)
		}
	}
}

// Stop closes the gate, releases the input device and stops the forwarder.
// The device is released before Stop returns; Stop does not wait for an
// in-flight send. Chunks still queued are discarded. Stop is idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	p.ready.Store(false)
	p.cancel()
	if err := p.input.Close(); err != nil {
		return fmt.Errorf("capture: close input: %w", err)
	}
	return nil
}

// Done is closed when the forwarder goroutine has exited. It never closes if
// the pipeline was not started.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}
