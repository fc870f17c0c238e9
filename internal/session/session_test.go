package session

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/siren/internal/observe"
	"github.com/MrWong99/siren/internal/transcript"
	"github.com/MrWong99/siren/pkg/audio"
	amock "github.com/MrWong99/siren/pkg/audio/mock"
	"github.com/MrWong99/siren/pkg/provider/live"
	lmock "github.com/MrWong99/siren/pkg/provider/live/mock"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type fragment struct {
	role transcript.Role
	text string
}

type recorder struct {
	host *amock.Host

	mu        sync.Mutex
	statuses  []Status
	errs      []string
	fragments []fragment
	status    chan Status

	// heldAtError records, for each OnError call, whether any device was
	// still open when it ran.
	heldAtError []bool
}

func newRecorder(host *amock.Host) *recorder {
	return &recorder{host: host, status: make(chan Status, 16)}
}

// devicesHeld reports whether any device opened on the host is still open.
func (r *recorder) devicesHeld() bool {
	for _, in := range r.host.Inputs() {
		if !in.Closed() {
			return true
		}
	}
	for _, out := range r.host.Outputs() {
		if !out.Closed() {
			return true
		}
	}
	return false
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStatusChange: func(st Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, st)
			r.mu.Unlock()
			r.status <- st
		},
		OnError: func(msg string) {
			held := r.devicesHeld()
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, msg)
			r.heldAtError = append(r.heldAtError, held)
		},
		OnTranscriptFragment: func(role transcript.Role, text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.fragments = append(r.fragments, fragment{role, text})
		},
	}
}

func (r *recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.statuses)
}

func (r *recorder) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

// assertReleasedBeforeError fails unless OnError ran and every device was
// closed by then. Call it after the session is done.
func (r *recorder) assertReleasedBeforeError(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.heldAtError) == 0 {
		t.Fatal("OnError was not called")
	}
	for i, held := range r.heldAtError {
		if held {
			t.Errorf("OnError call %d ran while a device was still open", i)
		}
	}
}

func (r *recorder) Fragments() []fragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.fragments)
}

func (r *recorder) waitFor(t *testing.T, want Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-r.status:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("status %q never reported; got %v", want, r.Statuses())
		}
	}
}

type fixture struct {
	s        *Session
	host     *amock.Host
	provider *lmock.Provider
	rec      *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	host := &amock.Host{Clock: &amock.Clock{}}
	f := &fixture{
		host:     host,
		provider: &lmock.Provider{},
		rec:      newRecorder(host),
	}
	f.s = New(cfg, f.host, f.provider, f.rec.callbacks(), WithMetrics(m))
	t.Cleanup(func() { _ = f.s.Stop() })
	return f
}

// connect starts the session and delivers the open event.
func (f *fixture) connect(t *testing.T) *lmock.Conn {
	t.Helper()
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.provider.LastConn()
	if conn == nil {
		t.Fatal("provider returned no connection")
	}
	conn.Open()
	f.rec.waitFor(t, StatusConnected)
	return conn
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish; status %q", s.Status())
	}
}

// pcmPart returns an inline audio part of silence lasting d at 24 kHz.
func pcmPart(d time.Duration) live.AudioPart {
	n := int(d * live.OutputSampleRate / time.Second)
	return live.AudioPart{
		MIMEType: live.PCMMIMEType(live.OutputSampleRate),
		Data:     audio.EncodeText(audio.Encode(make([]float32, n))),
	}
}

func assertReleased(t *testing.T, host *amock.Host) {
	t.Helper()
	for _, in := range host.Inputs() {
		if !in.Closed() {
			t.Error("input device not released")
		}
	}
	for _, out := range host.Outputs() {
		if !out.Closed() {
			t.Error("output device not released")
		}
	}
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conn := f.connect(t)

	t0 := 3 * time.Second
	f.host.Clock.Set(t0)

	conn.Deliver(live.Message{Audio: []live.AudioPart{pcmPart(500 * time.Millisecond)}})
	conn.Deliver(live.Message{Audio: []live.AudioPart{pcmPart(300 * time.Millisecond)}})

	out := f.host.LastOutput()
	voices := out.Voices()
	if len(voices) != 2 {
		t.Fatalf("scheduled %d voices, want 2", len(voices))
	}
	if voices[0].At != t0 {
		t.Errorf("first start = %v, want %v", voices[0].At, t0)
	}
	if want := t0 + 500*time.Millisecond; voices[1].At != want {
		t.Errorf("second start = %v, want %v", voices[1].At, want)
	}

	f.host.Clock.Set(t0 + 600*time.Millisecond)
	conn.Deliver(live.Message{Interrupted: true})

	for i, v := range voices {
		if !v.Stopped() {
			t.Errorf("voice %d not stopped on interruption", i)
		}
	}
	f.s.mu.Lock()
	player := f.s.player
	f.s.mu.Unlock()
	if got := player.NextStartTime(); got != 0 {
		t.Errorf("NextStartTime after interrupt = %v, want 0", got)
	}

	if err := f.s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.s.Status(); got != StatusDisconnected {
		t.Errorf("Status = %q, want %q", got, StatusDisconnected)
	}
	assertReleased(t, f.host)
	if err := conn.WaitClosed(time.Second); err != nil {
		t.Error(err)
	}

	waitDone(t, f.s)
	want := []Status{StatusConnecting, StatusConnected, StatusDisconnected}
	if got := f.rec.Statuses(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestStart_SendsLiveConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Live: live.Config{Voice: "Puck", Instructions: "be brief"}})
	f.connect(t)

	if len(f.provider.ConnectCalls) != 1 {
		t.Fatalf("Connect called %d times, want 1", len(f.provider.ConnectCalls))
	}
	cfg := f.provider.ConnectCalls[0].Cfg
	if cfg.Voice != "Puck" || cfg.Instructions != "be brief" {
		t.Errorf("live config = %+v", cfg)
	}
	if cfg.InputSampleRate != live.InputSampleRate {
		t.Errorf("InputSampleRate = %d, want %d", cfg.InputSampleRate, live.InputSampleRate)
	}
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.connect(t)

	if err := f.s.Start(context.Background()); !errors.Is(err, ErrSessionUsed) {
		t.Errorf("second Start = %v, want ErrSessionUsed", err)
	}
}

func TestStart_OpenBeforeConnectReturns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.provider.OpenBeforeReturn = true

	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.s.Status(); got != StatusConnected {
		t.Errorf("Status = %q, want %q", got, StatusConnected)
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.connect(t)

	for i := range 2 {
		if err := f.s.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
		if got := f.s.Status(); got != StatusDisconnected {
			t.Errorf("Status after Stop #%d = %q", i+1, got)
		}
	}
	if n := f.host.LastInput().CallCountClose; n != 1 {
		t.Errorf("input closed %d times, want 1", n)
	}
	if n := f.host.LastOutput().CallCountClose; n != 1 {
		t.Errorf("output closed %d times, want 1", n)
	}

	waitDone(t, f.s)
	if got := f.rec.Statuses(); slices.Index(got, StatusDisconnected) != len(got)-1 {
		t.Errorf("statuses = %v, want a single trailing disconnected", got)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	if err := f.s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.s.Status(); got != StatusDisconnected {
		t.Errorf("Status = %q", got)
	}
	waitDone(t, f.s)

	if err := f.s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
	if n := len(f.host.Outputs()); n != 0 {
		t.Errorf("opened %d output devices", n)
	}
	if got := f.rec.Statuses(); len(got) != 0 {
		t.Errorf("statuses = %v, want none", got)
	}
}

func TestStop_WhileOpeningDevices(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.host.BeforeOpen = func(d audio.Direction) {
		if d == audio.DirectionInput {
			if err := f.s.Stop(); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}
	}

	err := f.s.Start(context.Background())
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Start = %v, want ErrStopped", err)
	}
	if got := f.s.Status(); got != StatusDisconnected {
		t.Errorf("Status = %q", got)
	}
	if len(f.host.Inputs()) != 1 || len(f.host.Outputs()) != 1 {
		t.Fatalf("opened %d inputs, %d outputs", len(f.host.Inputs()), len(f.host.Outputs()))
	}
	assertReleased(t, f.host)
	if n := f.provider.Calls(); n != 0 {
		t.Errorf("Connect called %d times after Stop", n)
	}
}

func TestStop_WhileConnecting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.provider.Block = make(chan struct{})
	entered := f.provider.Entered()

	errc := make(chan error, 1)
	go func() { errc <- f.s.Start(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never called")
	}
	if err := f.s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Devices must be free as soon as Stop returns.
	assertReleased(t, f.host)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Start = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if got := f.s.Status(); got != StatusDisconnected {
		t.Errorf("Status = %q", got)
	}
}

func TestStart_DeviceUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.host.InputErr = errors.New("permission denied")

	err := f.s.Start(context.Background())
	var de *audio.DeviceUnavailableError
	if !errors.As(err, &de) {
		t.Fatalf("Start = %v, want DeviceUnavailableError", err)
	}
	if de.Direction != audio.DirectionInput {
		t.Errorf("Direction = %q", de.Direction)
	}
	if got := f.s.Status(); got != StatusError {
		t.Errorf("Status = %q, want %q", got, StatusError)
	}
	assertReleased(t, f.host)
	if n := f.provider.Calls(); n != 0 {
		t.Errorf("Connect called %d times", n)
	}

	waitDone(t, f.s)
	if errs := f.rec.Errors(); len(errs) != 1 {
		t.Errorf("OnError called %d times, want 1", len(errs))
	}
	f.rec.assertReleasedBeforeError(t)
}

func TestStart_ConnectFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.provider.ConnectErr = errors.New("refused")

	err := f.s.Start(context.Background())
	var ce *live.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("Start = %v, want ConnectionError", err)
	}
	if ce.Phase != live.PhaseDial {
		t.Errorf("Phase = %q, want %q", ce.Phase, live.PhaseDial)
	}
	if !errors.Is(f.s.Err(), err) {
		t.Errorf("Err = %v, want %v", f.s.Err(), err)
	}
	assertReleased(t, f.host)

	waitDone(t, f.s)
	want := []Status{StatusConnecting, StatusError}
	if got := f.rec.Statuses(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if errs := f.rec.Errors(); len(errs) != 1 || errs[0] != err.Error() {
		t.Errorf("errors = %v", errs)
	}
	f.rec.assertReleasedBeforeError(t)
}

func TestConnectTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ConnectTimeout: 20 * time.Millisecond})
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitDone(t, f.s)
	var ce *live.ConnectionError
	if !errors.As(f.s.Err(), &ce) || ce.Phase != live.PhaseTimeout {
		t.Fatalf("Err = %v, want timeout ConnectionError", f.s.Err())
	}
	assertReleased(t, f.host)
	f.rec.assertReleasedBeforeError(t)
	if err := f.provider.LastConn().WaitClosed(time.Second); err != nil {
		t.Error(err)
	}
}

func TestConnectTimeout_NotTriggeredAfterOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ConnectTimeout: 20 * time.Millisecond})
	f.connect(t)

	time.Sleep(60 * time.Millisecond)
	if got := f.s.Status(); got != StatusConnected {
		t.Errorf("Status = %q, want %q", got, StatusConnected)
	}
}

func TestRemoteClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conn := f.connect(t)

	conn.RemoteClose("session ended")
	f.rec.waitFor(t, StatusDisconnected)

	assertReleased(t, f.host)
	if f.s.Err() != nil {
		t.Errorf("Err = %v, want nil", f.s.Err())
	}
}

func TestRemoteError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conn := f.connect(t)

	conn.Fail(errors.New("quota exceeded"))
	waitDone(t, f.s)

	var ce *live.ConnectionError
	if !errors.As(f.s.Err(), &ce) || ce.Phase != live.PhaseRemote {
		t.Fatalf("Err = %v, want remote ConnectionError", f.s.Err())
	}
	assertReleased(t, f.host)
	if got := f.rec.Statuses(); got[len(got)-1] != StatusError {
		t.Errorf("statuses = %v", got)
	}
	if errs := f.rec.Errors(); len(errs) != 1 {
		t.Errorf("errors = %v", errs)
	}
	f.rec.assertReleasedBeforeError(t)
}

func TestDropBeforeReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	in := f.host.LastInput()
	early := []float32{0.5, 0.5, 0.5, 0.5}
	if !in.Emit(early) {
		t.Fatal("input not started")
	}

	conn := f.provider.LastConn()
	conn.Open()
	f.rec.waitFor(t, StatusConnected)

	late := []float32{-0.25, 0.25}
	in.Emit(late)

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sent := conn.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(sent))
	}
	if !bytes.Equal(sent[0], audio.Encode(late)) {
		t.Errorf("sent chunk = %v, want the frame captured after open", sent[0])
	}
}

func TestMessage_Transcripts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conn := f.connect(t)

	conn.Deliver(live.Message{InputTranscript: "what time", OutputTranscript: "It is"})
	conn.Deliver(live.Message{OutputTranscript: " noon."})
	conn.Deliver(live.Message{TurnComplete: true})

	entries := f.s.Transcript()
	want := []fragment{
		{transcript.RoleUser, "what time"},
		{transcript.RoleAgent, "It is"},
		{transcript.RoleAgent, " noon."},
	}
	if len(entries) != len(want) {
		t.Fatalf("transcript has %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Role != want[i].role || e.Text != want[i].text {
			t.Errorf("entry %d = %s, want %s: %q", i, e, want[i].role, want[i].text)
		}
	}

	_ = f.s.Stop()
	waitDone(t, f.s)
	if got := f.rec.Fragments(); !slices.Equal(got, want) {
		t.Errorf("fragments = %v, want %v", got, want)
	}
}

func TestMessage_MergePolicy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{TranscriptPolicy: transcript.PolicyMerge})
	conn := f.connect(t)

	conn.Deliver(live.Message{OutputTranscript: "It is"})
	conn.Deliver(live.Message{OutputTranscript: " noon."})

	entries := f.s.Transcript()
	if len(entries) != 1 || entries[0].Text != "It is noon." {
		t.Errorf("transcript = %v", entries)
	}
}

func TestMessage_DecodeErrorIsolated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conn := f.connect(t)

	conn.Deliver(live.Message{
		Audio:            []live.AudioPart{{MIMEType: "audio/pcm;rate=24000", Data: "not base64!"}},
		OutputTranscript: "hello",
	})
	conn.Deliver(live.Message{
		Audio: []live.AudioPart{{MIMEType: "audio/pcm;rate=24000", Data: audio.EncodeText([]byte{1, 2, 3})}},
	})
	conn.Deliver(live.Message{Audio: []live.AudioPart{pcmPart(100 * time.Millisecond)}})

	if got := f.s.Status(); got != StatusConnected {
		t.Fatalf("Status = %q, want %q", got, StatusConnected)
	}
	if n := len(f.host.LastOutput().Voices()); n != 1 {
		t.Errorf("scheduled %d voices, want 1", n)
	}
	if entries := f.s.Transcript(); len(entries) != 1 || entries[0].Text != "hello" {
		t.Errorf("transcript = %v", entries)
	}
}

func TestMessage_ResamplesToDeviceRate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Output: audio.OutputConfig{SampleRate: 48000}})
	conn := f.connect(t)

	conn.Deliver(live.Message{Audio: []live.AudioPart{pcmPart(200 * time.Millisecond)}})

	voices := f.host.LastOutput().Voices()
	if len(voices) != 1 {
		t.Fatalf("scheduled %d voices, want 1", len(voices))
	}
	buf := voices[0].Buffer
	if buf.SampleRate != 48000 || len(buf.Samples) != 9600 {
		t.Errorf("buffer = %d samples at %d Hz, want 9600 at 48000", len(buf.Samples), buf.SampleRate)
	}
	if buf.Duration != 200*time.Millisecond {
		t.Errorf("Duration = %v", buf.Duration)
	}
}

func TestMessage_IgnoredAfterStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.connect(t)
	_ = f.s.Stop()

	// The mock suppresses events after Close, so call the handler directly.
	f.s.handleMessage(live.Message{OutputTranscript: "late", Audio: []live.AudioPart{pcmPart(time.Millisecond)}})
	if n := len(f.s.Transcript()); n != 0 {
		t.Errorf("transcript has %d entries after Stop", n)
	}
	if n := len(f.host.LastOutput().Voices()); n != 0 {
		t.Errorf("scheduled %d voices after Stop", n)
	}
}
