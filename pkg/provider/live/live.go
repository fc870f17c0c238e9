// Package live defines the Provider interface for bidirectional real-time
// voice backends such as the Gemini Live API.
//
// A [Provider] dials a [Conn]: the client streams microphone audio up with
// [Conn.SendAudio] while the backend streams synthesized speech, transcript
// fragments and turn signals back through the [Handler] callbacks supplied at
// connect time.
//
// Callback contract for implementations:
//
//   - All callbacks for one connection are invoked sequentially from a single
//     goroutine, in the order the backend produced them.
//   - OnOpen fires at most once, when the backend acknowledges the setup.
//   - At most one of OnError and OnClose fires, and it is the last callback.
//   - No callback fires after [Conn.Close] has been called.
//
// Audio payloads in [Message] are kept in their text-safe wire form so that
// decoding, and the reporting of malformed data, happens in one place on the
// consumer side.
package live

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Default session parameters.
const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultVoice = "Kore"

	// InputSampleRate is the rate of PCM sent with [Conn.SendAudio].
	InputSampleRate = 16000

	// OutputSampleRate is the rate the backend speaks at unless a part's MIME
	// type says otherwise.
	OutputSampleRate = 24000
)

// ErrClosed is returned by [Conn.SendAudio] after the connection closed.
var ErrClosed = errors.New("live: connection closed")

// Config is the initial configuration for a live connection.
type Config struct {
	// Model is the backend model. Empty uses the provider's default.
	Model string

	// Voice is the prebuilt voice name used for synthesized speech.
	Voice string

	// Instructions is the system instruction defining the agent's persona.
	Instructions string

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the agent's speech.
	OutputTranscription bool

	// InputSampleRate is the rate of uplink audio. Zero means [InputSampleRate].
	InputSampleRate int
}

// InputMIMEType returns the MIME type describing uplink audio.
func (c Config) InputMIMEType() string {
	rate := c.InputSampleRate
	if rate <= 0 {
		rate = InputSampleRate
	}
	return PCMMIMEType(rate)
}

// PCMMIMEType returns "audio/pcm;rate=<rate>".
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// SampleRateFromMIME extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns fallback when the parameter is missing
// or malformed.
func SampleRateFromMIME(mime string, fallback int) int {
	_, params, _ := strings.Cut(mime, ";")
	for p := range strings.SplitSeq(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// AudioPart is one chunk of synthesized speech.
type AudioPart struct {
	// MIMEType describes the encoding, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Data is base64-encoded 16-bit little-endian PCM.
	Data string
}

// Message is one inbound server message, flattened.
type Message struct {
	// Audio holds the inline audio parts of the model turn, in order.
	Audio []AudioPart

	// Text holds any plain text parts of the model turn.
	Text string

	// InputTranscript is a fragment of the user's recognized speech.
	InputTranscript string

	// OutputTranscript is a fragment of the agent's spoken reply.
	OutputTranscript string

	// Interrupted signals that the user barged in and queued agent audio
	// should be discarded.
	Interrupted bool

	// TurnComplete signals the end of the agent's turn.
	TurnComplete bool

	// GoAway, when positive, is the time left before the server will
	// terminate the connection.
	GoAway time.Duration
}

// Handler receives connection events. Nil fields are ignored.
type Handler struct {
	OnOpen    func()
	OnMessage func(Message)
	OnError   func(error)
	OnClose   func(reason string)
}

// Open invokes OnOpen if set.
func (h Handler) Open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

// Message invokes OnMessage if set.
func (h Handler) Message(m Message) {
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

// Error invokes OnError if set.
func (h Handler) Error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Close invokes OnClose if set.
func (h Handler) Close(reason string) {
	if h.OnClose != nil {
		h.OnClose(reason)
	}
}

// Conn is an established live connection. Implementations must be safe for
// concurrent use.
type Conn interface {
	// SendAudio transmits one chunk of 16-bit little-endian mono PCM at the
	// configured input rate.
	SendAudio(ctx context.Context, chunk []byte) error

	// Close terminates the connection. It suppresses all further callbacks
	// and is idempotent.
	Close() error
}

// Provider dials live connections.
type Provider interface {
	// Connect establishes a connection and sends the session setup. The
	// connection is usable for SendAudio once h.OnOpen has fired.
	Connect(ctx context.Context, cfg Config, h Handler) (Conn, error)
}

// Phase identifies where in the connection lifecycle an error occurred.
type Phase string

const (
	PhaseDial      Phase = "dial"
	PhaseSetup     Phase = "setup"
	PhaseTimeout   Phase = "timeout"
	PhaseKeepalive Phase = "keepalive"
	PhaseRead      Phase = "read"
	PhaseRemote    Phase = "remote"
)

// ConnectionError reports a failure of the live connection.
type ConnectionError struct {
	Phase Phase
	Err   error
}

// Error implements error.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("live: %s: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// AsConnectionError wraps err in a *[ConnectionError] with phase unless it
// already is one.
func AsConnectionError(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Phase: phase, Err: err}
}
