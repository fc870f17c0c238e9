// Package playback schedules decoded agent audio onto an output device so
// that consecutive buffers play back-to-back without gaps or overlap, and
// flushes everything queued when the user barges in.
//
// A single goroutine owns the playback cursor and the set of active voices.
// Public methods submit operations to it and wait for the result, so the
// cursor is never touched concurrently and completion callbacks from the
// device are serialized with scheduling and interruption.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/siren/internal/observe"
	"github.com/MrWong99/siren/pkg/audio"
)

// ErrClosed is returned by operations on a closed [Scheduler].
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Scheduler queues buffers on an [audio.OutputDevice] at contiguous start
// times. All exported methods are safe for concurrent use.
type Scheduler struct {
	out     audio.OutputDevice
	metrics *observe.Metrics

	ops   chan func()
	ended chan uint64
	quit  chan struct{}
	exit  chan struct{}

	closeOnce sync.Once
	closeErr  error

	// Owned by the run goroutine.
	nextStart time.Duration
	active    map[uint64]audio.Voice
	seq       uint64
}

// New creates a [Scheduler] playing on out and starts its owner goroutine.
// The scheduler takes ownership of out and closes it in [Scheduler.Close].
func New(out audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:     out,
		metrics: observe.DefaultMetrics(),
		ops:     make(chan func()),
		ended:   make(chan uint64),
		quit:    make(chan struct{}),
		exit:    make(chan struct{}),
		active:  make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	defer close(s.exit)
	for {
		select {
		case op := <-s.ops:
			op()
		case id := <-s.ended:
			delete(s.active, id)
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it to finish.
func (s *Scheduler) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(done) }:
	case <-s.quit:
		return ErrClosed
	}
	<-done
	return nil
}

// Schedule queues buf to start exactly when the previously scheduled buffer
// ends, or immediately if the device clock has already passed that point.
// It returns the chosen start time. Empty buffers are accepted and occupy no
// time.
func (s *Scheduler) Schedule(ctx context.Context, buf *audio.Buffer) (time.Duration, error) {
	var (
		start time.Duration
		err   error
	)
	if doErr := s.do(func() {
		now := s.out.Now()
		if s.nextStart < now {
			s.nextStart = now
		}
		start = s.nextStart

		id := s.seq
		s.seq++
		var v audio.Voice
		v, err = s.out.Schedule(buf, start, func() { s.notifyEnded(id) })
		if err != nil {
			err = fmt.Errorf("playback: schedule: %w", err)
			return
		}
		s.active[id] = v
		s.nextStart += buf.Duration
		s.metrics.RecordScheduled(ctx, s.nextStart-now)
	}); doErr != nil {
		return 0, doErr
	}
	return start, err
}

// notifyEnded hands a completion to the owner goroutine. It runs on whatever
// goroutine the device uses for callbacks.
func (s *Scheduler) notifyEnded(id uint64) {
	select {
	case s.ended <- id:
	case <-s.quit:
	}
}

// Interrupt stops every active voice, forgets them, and resets the playback
// cursor to zero so the next buffer starts at the current clock. Voices that
// already finished are ignored. It returns the number of voices stopped.
func (s *Scheduler) Interrupt(ctx context.Context) (int, error) {
	var n int
	if err := s.do(func() { n = s.interrupt() }); err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.Interruptions.Add(ctx, 1)
	}
	return n, nil
}

func (s *Scheduler) interrupt() int {
	stopped := 0
	for id, v := range s.active {
		if err := v.Stop(); err != nil {
			if !errors.Is(err, audio.ErrVoiceInactive) {
				slog.Debug("playback: stop voice", "voice", id, "err", err)
			}
			continue
		}
		stopped++
	}
	clear(s.active)
	s.nextStart = 0
	return stopped
}

// NextStartTime returns the start time the next buffer would get if the
// device clock has not passed it.
func (s *Scheduler) NextStartTime() time.Duration {
	var t time.Duration
	_ = s.do(func() { t = s.nextStart })
	return t
}

// Active returns the number of voices scheduled and not yet ended.
func (s *Scheduler) Active() int {
	var n int
	_ = s.do(func() { n = len(s.active) })
	return n
}

// Close stops all voices, shuts down the owner goroutine and closes the
// output device. It is idempotent; later calls return the first result.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		_ = s.do(func() { s.interrupt() })
		close(s.quit)
		<-s.exit
		if err := s.out.Close(); err != nil {
			s.closeErr = fmt.Errorf("playback: close output: %w", err)
		}
	})
	return s.closeErr
}
