// Package session implements one bidirectional live audio conversation: it
// acquires the speaker and microphone, connects to a [live.Provider], streams
// captured audio up and schedules the agent's audio for playback, and tracks
// the transcript of both sides.
//
// A Session moves through disconnected, connecting and connected, and ends
// in either disconnected or error. Ended sessions cannot be restarted; build
// a new one instead. Every hardware resource is released before the final
// status is reported, and [Session.Stop] releases the devices without waiting
// for the network connection to close.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/siren/internal/capture"
	"github.com/MrWong99/siren/internal/observe"
	"github.com/MrWong99/siren/internal/playback"
	"github.com/MrWong99/siren/internal/transcript"
	"github.com/MrWong99/siren/pkg/audio"
	"github.com/MrWong99/siren/pkg/provider/live"
)

// DefaultFrameSize is the number of samples per captured frame (256 ms at
// 16 kHz).
const DefaultFrameSize = 4096

var (
	// ErrSessionUsed is returned by Start on a session that was already
	// started.
	ErrSessionUsed = errors.New("session: already started")

	// ErrStopped is returned by Start when the session was stopped or failed
	// while Start was still acquiring resources.
	ErrStopped = errors.New("session: stopped during start")

	errConnectTimeout = errors.New("connection did not open in time")
)

// Callbacks receive session events. They are invoked one at a time, in
// order, on a goroutine owned by the session. Nil fields are ignored.
type Callbacks struct {
	// OnTranscriptFragment receives every transcription fragment as it
	// arrives.
	OnTranscriptFragment func(role transcript.Role, text string)

	// OnStatusChange receives every status transition.
	OnStatusChange func(Status)

	// OnError receives the reason for a transition to [StatusError]. It is
	// delivered after the resources were released.
	OnError func(message string)
}

// Config configures a [Session].
type Config struct {
	// Live is sent to the provider on connect. Its InputSampleRate is
	// overwritten with the microphone's actual rate.
	Live live.Config

	// Input selects the microphone. Zero values use [live.InputSampleRate]
	// and [DefaultFrameSize].
	Input audio.InputConfig

	// Output selects the speaker. A zero rate uses [live.OutputSampleRate].
	Output audio.OutputConfig

	// SendQueue is the capacity of the uplink chunk queue. Zero uses
	// [capture.DefaultQueueSize].
	SendQueue int

	// ConnectTimeout bounds the time from Start until the remote open event.
	// Zero waits indefinitely.
	ConnectTimeout time.Duration

	// TranscriptPolicy selects how fragments are assembled.
	TranscriptPolicy transcript.Policy
}

func (c *Config) applyDefaults() {
	if c.Input.SampleRate <= 0 {
		c.Input.SampleRate = live.InputSampleRate
	}
	if c.Input.FrameSize <= 0 {
		c.Input.FrameSize = DefaultFrameSize
	}
	if c.Output.SampleRate <= 0 {
		c.Output.SampleRate = live.OutputSampleRate
	}
}

// Option configures a [Session] during construction.
type Option func(*Session)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Session is a single live conversation. All methods are safe for
// concurrent use.
type Session struct {
	cfg      Config
	host     audio.Host
	provider live.Provider
	cb       Callbacks
	metrics  *observe.Metrics

	transcript *transcript.Assembler
	events     *dispatcher

	mu          sync.Mutex
	state       connState
	capture     *capture.Pipeline
	player      *playback.Scheduler
	outRate     int
	cancelStart context.CancelFunc
	timer       *time.Timer
	started     bool
	startedAt   time.Time
}

// New creates a disconnected [Session]. Nothing is acquired until Start.
func New(cfg Config, host audio.Host, provider live.Provider, cb Callbacks, opts ...Option) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:        cfg,
		host:       host,
		provider:   provider,
		cb:         cb,
		metrics:    observe.DefaultMetrics(),
		transcript: transcript.NewAssembler(transcript.WithPolicy(cfg.TranscriptPolicy)),
		events:     newDispatcher(),
		state:      stateIdle{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.status()
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state.(stateErrored); ok {
		return st.err
	}
	return nil
}

// Transcript returns a snapshot of the assembled transcript.
func (s *Session) Transcript() []transcript.Entry {
	return s.transcript.Entries()
}

// Done is closed once the session has ended and every callback has been
// delivered. It never closes for a session that was neither started nor
// stopped.
func (s *Session) Done() <-chan struct{} {
	return s.events.done
}

// Start acquires the output and input devices and connects to the provider.
// It returns once the connection is established; the session reports
// [StatusConnected] when the remote side signals it is ready. On failure the
// session ends in [StatusError] and the error is returned.
func (s *Session) Start(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSessionUsed
	}
	s.started = true
	if _, ok := s.state.(stateIdle); !ok {
		s.mu.Unlock()
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelStart = cancel
	s.startedAt = time.Now()
	s.events.start()
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.setState(ctx, stateConnecting{})
	s.mu.Unlock()
	defer cancel()

	log := observe.Logger(ctx)

	out, err := s.host.OpenOutput(ctx, s.cfg.Output)
	if err != nil {
		return s.startFailed(ctx, span, fmt.Errorf("session: open output: %w", err))
	}
	if !s.adopt(func() {
		s.player = playback.New(out, playback.WithMetrics(s.metrics))
		s.outRate = out.Format().SampleRate
	}) {
		_ = out.Close()
		return ErrStopped
	}

	in, err := s.host.OpenInput(ctx, s.cfg.Input)
	if err != nil {
		return s.startFailed(ctx, span, fmt.Errorf("session: open input: %w", err))
	}
	var pipe *capture.Pipeline
	if !s.adopt(func() {
		pipe = capture.New(in, capture.SenderFunc(s.sendAudio),
			capture.WithQueueSize(s.cfg.SendQueue),
			capture.WithMetrics(s.metrics),
		)
		s.capture = pipe
	}) {
		_ = in.Close()
		return ErrStopped
	}
	if err := pipe.Start(); err != nil {
		return s.startFailed(ctx, span, fmt.Errorf("session: %w", err))
	}

	liveCfg := s.cfg.Live
	liveCfg.InputSampleRate = in.Format().SampleRate
	span.SetAttributes(
		attribute.String("live.model", liveCfg.Model),
		attribute.String("live.voice", liveCfg.Voice),
	)

	if d := s.cfg.ConnectTimeout; d > 0 {
		s.mu.Lock()
		s.timer = time.AfterFunc(d, s.connectTimedOut)
		s.mu.Unlock()
	}

	conn, err := s.provider.Connect(ctx, liveCfg, live.Handler{
		OnOpen:    s.handleOpen,
		OnMessage: s.handleMessage,
		OnError:   s.handleError,
		OnClose:   s.handleClose,
	})
	if err != nil {
		return s.startFailed(ctx, span, fmt.Errorf("session: connect: %w", live.AsConnectionError(live.PhaseDial, err)))
	}

	s.mu.Lock()
	st, ok := s.state.(stateConnecting)
	if !ok {
		final := s.state
		s.mu.Unlock()
		go closeConn(conn)
		if e, isErr := final.(stateErrored); isErr {
			return e.err
		}
		return ErrStopped
	}
	if st.opened {
		s.becomeOpen(ctx, conn)
	} else {
		s.state = stateConnecting{conn: conn}
	}
	s.mu.Unlock()

	log.Info("session: connected", "model", liveCfg.Model, "voice", liveCfg.Voice)
	return nil
}

// adopt runs fn under the lock if the session is still connecting.
func (s *Session) adopt(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.(stateConnecting); !ok {
		return false
	}
	fn()
	return true
}

func (s *Session) startFailed(ctx context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	if !s.fail(ctx, err) {
		// Stop or a remote event got there first.
		if ferr := s.Err(); ferr != nil {
			return ferr
		}
		return ErrStopped
	}
	return err
}

// Stop ends the session. Both audio devices are released before Stop
// returns; the connection is closed in the background. Calling Stop on a
// session that already ended is a no-op. Stopping a session that was never
// started makes a later Start return [ErrStopped].
func (s *Session) Stop() error {
	ctx := context.Background()
	s.mu.Lock()
	if _, ok := s.state.(stateIdle); ok {
		s.state = stateClosed{reason: "stopped before start"}
		s.events.start()
		s.events.close()
		s.mu.Unlock()
		return nil
	}
	if r, ok := s.state.(stateReleasing); ok {
		s.mu.Unlock()
		<-r.done
		return nil
	}
	if !active(s.state) {
		s.mu.Unlock()
		return nil
	}
	res := s.detach()
	s.setState(ctx, stateClosed{reason: "stopped"})
	s.mu.Unlock()

	err := res.release()
	s.finish(ctx)
	slog.Info("session: stopped")
	return err
}

// fail ends the session with err. It reports false if the session had
// already ended.
func (s *Session) fail(ctx context.Context, err error) bool {
	s.mu.Lock()
	if !active(s.state) {
		s.mu.Unlock()
		return false
	}
	res := s.detach()
	released := make(chan struct{})
	s.state = stateReleasing{prev: s.state.status(), done: released}
	s.mu.Unlock()

	if rerr := res.release(); rerr != nil {
		slog.Warn("session: release after failure", "err", rerr)
	}
	close(released)

	s.mu.Lock()
	s.setState(ctx, stateErrored{err: err})
	msg := err.Error()
	if s.cb.OnError != nil {
		s.events.post(func() { s.cb.OnError(msg) })
	}
	s.mu.Unlock()

	s.finish(ctx)
	observe.Logger(ctx).Error("session: failed", "err", err)
	return true
}

// closeRemote ends the session after the remote peer closed the connection.
func (s *Session) closeRemote(reason string) {
	ctx := context.Background()
	s.mu.Lock()
	if !active(s.state) {
		s.mu.Unlock()
		return
	}
	res := s.detach()
	s.setState(ctx, stateClosed{reason: reason})
	s.mu.Unlock()

	if err := res.release(); err != nil {
		slog.Warn("session: release after remote close", "err", err)
	}
	s.finish(ctx)
	slog.Info("session: closed by remote", "reason", reason)
}

func (s *Session) finish(ctx context.Context) {
	s.metrics.ActiveSessions.Add(ctx, -1)
	s.events.close()
}

// resources are what an active session owns.
type resources struct {
	capture *capture.Pipeline
	player  *playback.Scheduler
	conn    live.Conn
}

// release frees the devices synchronously and the connection in the
// background.
func (r resources) release() error {
	var errs []error
	if r.capture != nil {
		errs = append(errs, r.capture.Stop())
	}
	if r.player != nil {
		errs = append(errs, r.player.Close())
	}
	if r.conn != nil {
		go closeConn(r.conn)
	}
	return errors.Join(errs...)
}

func closeConn(c live.Conn) {
	if err := c.Close(); err != nil {
		slog.Debug("session: close connection", "err", err)
	}
}

// detach takes ownership of every resource away from the session and stops
// the in-flight start. The caller must hold s.mu and move the state out of
// connecting/open before releasing the lock.
func (s *Session) detach() resources {
	var res resources
	switch st := s.state.(type) {
	case stateConnecting:
		res.conn = st.conn
	case stateOpen:
		res.conn = st.conn
	}
	res.capture, s.capture = s.capture, nil
	res.player, s.player = s.player, nil
	if s.cancelStart != nil {
		s.cancelStart()
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return res
}

// setState records the transition and posts the status callback. The caller
// must hold s.mu.
func (s *Session) setState(ctx context.Context, st connState) {
	prev := s.state.status()
	s.state = st
	next := st.status()
	if prev == next {
		return
	}
	s.metrics.RecordTransition(ctx, string(next))
	if s.cb.OnStatusChange != nil {
		s.events.post(func() { s.cb.OnStatusChange(next) })
	}
}

func (s *Session) becomeOpen(ctx context.Context, conn live.Conn) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.setState(ctx, stateOpen{conn: conn})
	s.capture.SetReady(true)
	s.metrics.ConnectDuration.Record(ctx, time.Since(s.startedAt).Seconds())
}

func (s *Session) connectTimedOut() {
	s.mu.Lock()
	_, connecting := s.state.(stateConnecting)
	s.mu.Unlock()
	if connecting {
		s.fail(context.Background(), live.AsConnectionError(live.PhaseTimeout, errConnectTimeout))
	}
}

// sendAudio is the capture pipeline's sender.
func (s *Session) sendAudio(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	st, ok := s.state.(stateOpen)
	s.mu.Unlock()
	if !ok {
		return live.ErrClosed
	}
	return st.conn.SendAudio(ctx, chunk)
}

func (s *Session) handleOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.(stateConnecting)
	if !ok {
		return
	}
	if st.conn == nil {
		st.opened = true
		s.state = st
		return
	}
	s.becomeOpen(context.Background(), st.conn)
}

func (s *Session) handleError(err error) {
	s.fail(context.Background(), live.AsConnectionError(live.PhaseRemote, err))
}

func (s *Session) handleClose(reason string) {
	s.closeRemote(reason)
}

// handleMessage routes one server message: audio to playback, transcription
// fragments to the transcript, and interruptions to the scheduler.
func (s *Session) handleMessage(m live.Message) {
	ctx := context.Background()

	s.mu.Lock()
	if _, ok := s.state.(stateOpen); !ok {
		s.mu.Unlock()
		return
	}
	player, outRate := s.player, s.outRate
	s.mu.Unlock()

	s.playAudio(ctx, player, outRate, m.Audio)

	s.mu.Lock()
	if _, ok := s.state.(stateOpen); ok {
		s.appendFragment(transcript.RoleUser, m.InputTranscript)
		s.appendFragment(transcript.RoleAgent, m.OutputTranscript)
	}
	s.mu.Unlock()

	if m.Text != "" {
		slog.Debug("session: agent text", "text", m.Text)
	}
	if m.Interrupted {
		n, err := player.Interrupt(ctx)
		if err != nil && !errors.Is(err, playback.ErrClosed) {
			slog.Warn("session: interrupt playback", "err", err)
		}
		slog.Debug("session: interrupted", "stopped", n)
	}
	if m.TurnComplete {
		slog.Debug("session: turn complete")
	}
	if m.GoAway > 0 {
		slog.Warn("session: server going away", "time_left", m.GoAway)
	}
}

// playAudio decodes and schedules parts in order. A malformed part drops the
// remaining audio of the message.
func (s *Session) playAudio(ctx context.Context, player *playback.Scheduler, outRate int, parts []live.AudioPart) {
	for i, p := range parts {
		buf, err := decodePart(p, outRate)
		if err != nil {
			s.metrics.DecodeErrors.Add(ctx, 1)
			slog.Warn("session: dropping malformed audio", "part", i, "mime", p.MIMEType, "err", err)
			return
		}
		if _, err := player.Schedule(ctx, buf); err != nil {
			if !errors.Is(err, playback.ErrClosed) {
				slog.Warn("session: schedule playback", "err", err)
			}
			return
		}
	}
}

func decodePart(p live.AudioPart, outRate int) (*audio.Buffer, error) {
	pcm, err := audio.DecodeText(p.Data)
	if err != nil {
		return nil, err
	}
	return audio.Decode(pcm, live.SampleRateFromMIME(p.MIMEType, live.OutputSampleRate), outRate, 1)
}

// appendFragment adds text to the transcript and posts the callback. The
// caller must hold s.mu.
func (s *Session) appendFragment(role transcript.Role, text string) {
	if _, ok := s.transcript.Append(role, text); !ok {
		return
	}
	if s.cb.OnTranscriptFragment != nil {
		s.events.post(func() { s.cb.OnTranscriptFragment(role, text) })
	}
}
