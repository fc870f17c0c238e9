package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/siren/internal/observe"
	"github.com/MrWong99/siren/pkg/audio/mock"
)

// recordingSender collects every chunk it is asked to send.
type recordingSender struct {
	mu     sync.Mutex
	chunks [][]byte
	sent   chan struct{}
	err    error
	block  chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan struct{}, 64)}
}

func (s *recordingSender) SendAudio(ctx context.Context, chunk []byte) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	err := s.err
	s.mu.Unlock()
	s.sent <- struct{}{}
	return err
}

func (s *recordingSender) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

func newTestPipeline(t *testing.T, sender Sender, opts ...Option) (*Pipeline, *mock.InputDevice) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	in := mock.NewInputDevice(16000)
	p := New(in, sender, append([]Option{WithMetrics(m)}, opts...)...)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })
	return p, in
}

func waitSent(t *testing.T, s *recordingSender) {
	t.Helper()
	select {
	case <-s.sent:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}
}

func TestPipeline_DropsBeforeReady(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	p, in := newTestPipeline(t, sender)

	for range 5 {
		in.Emit([]float32{0.5, 0.5})
	}
	p.SetReady(true)
	in.Emit([]float32{0.25})
	waitSent(t, sender)

	// Give a late pre-ready chunk a chance to surface if one were queued.
	time.Sleep(50 * time.Millisecond)
	chunks := sender.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("sent %d chunks, want only the post-ready one", len(chunks))
	}
	if len(chunks[0]) != 2 {
		t.Errorf("chunk length = %d, want 2", len(chunks[0]))
	}
}

func TestPipeline_EncodesFrames(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	p, in := newTestPipeline(t, sender)
	p.SetReady(true)

	in.Emit(make([]float32, 4096))
	waitSent(t, sender)

	if got := len(sender.Chunks()[0]); got != 8192 {
		t.Errorf("chunk length = %d, want 8192", got)
	}
}

func TestPipeline_PreservesOrder(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	p, in := newTestPipeline(t, sender, WithQueueSize(16))
	p.SetReady(true)

	for i := range 10 {
		in.Emit(make([]float32, i+1))
		waitSent(t, sender)
	}
	for i, c := range sender.Chunks() {
		if len(c) != 2*(i+1) {
			t.Fatalf("chunk %d has %d bytes, want %d", i, len(c), 2*(i+1))
		}
	}
}

func TestPipeline_QueueFullDoesNotBlock(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	sender.block = make(chan struct{})
	p, in := newTestPipeline(t, sender, WithQueueSize(2))
	p.SetReady(true)

	done := make(chan struct{})
	go func() {
		for range 50 {
			in.Emit([]float32{0.1})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("capture callback blocked on a full queue")
	}
	close(sender.block)
}

func TestPipeline_SendErrorContinues(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	sender.err = errors.New("socket closed")
	p, in := newTestPipeline(t, sender)
	p.SetReady(true)

	in.Emit([]float32{0.1})
	waitSent(t, sender)
	in.Emit([]float32{0.2})
	waitSent(t, sender)

	if got := len(sender.Chunks()); got != 2 {
		t.Errorf("send attempts = %d, want 2", got)
	}
}

func TestPipeline_StopReleasesDevice(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	sender.block = make(chan struct{})
	p, in := newTestPipeline(t, sender)
	p.SetReady(true)

	// Leave a send in flight; Stop must not wait for it.
	in.Emit([]float32{0.1})

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !in.Closed() {
		t.Error("input device not closed after Stop")
	}
	if in.Emit([]float32{0.1}) {
		t.Error("frame delivered after Stop")
	}
	if p.Ready() {
		t.Error("gate still open after Stop")
	}

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("forwarder did not exit after Stop")
	}

	if err := p.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if in.CallCountClose != 1 {
		t.Errorf("device closed %d times, want 1", in.CallCountClose)
	}
	if err := p.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestSenderFunc(t *testing.T) {
	var got []byte
	s := SenderFunc(func(_ context.Context, chunk []byte) error {
		got = chunk
		return nil
	})
	if err := s.SendAudio(context.Background(), []byte{1, 2}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %v", got)
	}
}
