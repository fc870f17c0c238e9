// Package gemini implements live.Provider for Google's Gemini Live API over a
// raw WebSocket.
//
// It dials the BidiGenerateContent endpoint, sends the setup message, and
// exchanges JSON frames: microphone audio goes up as base64 realtimeInput
// media chunks, and serverContent frames come back carrying inline audio,
// transcription fragments and turn signals.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/siren/pkg/audio"
	"github.com/MrWong99/siren/pkg/provider/live"
)

// Compile-time assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Conn     = (*conn)(nil)
)

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound frame. Audio turns arrive in chunks
	// well below this.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default model for connections whose config leaves it empty.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithKeepalive overrides the ping interval. Zero disables keepalive.
func WithKeepalive(interval time.Duration) Option {
	return func(p *Provider) { p.keepalive = interval }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for the Gemini Live WebSocket API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     live.DefaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the endpoint and sends the setup message. h.OnOpen fires when
// the server answers with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg live.Config, h live.Handler) (live.Conn, error) {
	wsURL := p.baseURL + endpointPath + "?key=" + url.QueryEscape(p.apiKey)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &live.ConnectionError{Phase: live.PhaseDial, Err: err}
	}
	ws.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		handler: h,
		mime:    cfg.InputMIMEType(),
		ctx:     connCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	if err := c.writeJSON(ctx, newSetup(model, cfg)); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, &live.ConnectionError{Phase: live.PhaseSetup, Err: err}
	}

	go c.receiveLoop()
	if p.keepalive > 0 {
		go c.keepaliveLoop(p.keepalive)
	}
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

func newSetup(model string, cfg live.Config) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%d %s)", msg, e.Code, e.Status)
	}
	return "gemini: " + msg
}

type goAway struct {
	// TimeLeft is a protobuf Duration in JSON form, e.g. "9.5s".
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// toMessage flattens a server frame. ok is false when the frame carries
// nothing a consumer would act on.
func toMessage(sm *serverMessage) (msg live.Message, ok bool) {
	if sc := sm.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil {
					msg.Audio = append(msg.Audio, live.AudioPart{
						MIMEType: p.InlineData.MIMEType,
						Data:     p.InlineData.Data,
					})
				}
				msg.Text += p.Text
			}
		}
		if sc.InputTranscription != nil {
			msg.InputTranscript = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			msg.OutputTranscript = sc.OutputTranscription.Text
		}
		msg.Interrupted = sc.Interrupted
		msg.TurnComplete = sc.TurnComplete
		ok = true
	}
	if sm.GoAway != nil {
		d, err := time.ParseDuration(sm.GoAway.TimeLeft)
		if err != nil || d <= 0 {
			d = time.Nanosecond
		}
		msg.GoAway = d
		ok = true
	}
	return msg, ok
}

// ── conn ──────────────────────────────────────────────────────────────────────

type conn struct {
	ws      *websocket.Conn
	handler live.Handler
	mime    string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	failure  error
	finished bool
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// SendAudio encodes chunk as base64 and sends it as a realtimeInput frame.
func (c *conn) SendAudio(ctx context.Context, chunk []byte) error {
	c.mu.Lock()
	closed := c.closed || c.finished
	c.mu.Unlock()
	if closed {
		return live.ErrClosed
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: c.mime, Data: audio.EncodeText(chunk)}},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// receiveLoop is the only goroutine that invokes handler callbacks.
func (c *conn) receiveLoop() {
	defer close(c.done)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.terminate(err)
			return
		}

		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			slog.Warn("gemini: skipping malformed frame", "err", err, "bytes", len(data))
			continue
		}
		if !c.active() {
			return
		}

		if sm.Error != nil {
			c.fail(&live.ConnectionError{Phase: live.PhaseRemote, Err: sm.Error})
			c.ws.Close(websocket.StatusNormalClosure, "server error")
			return
		}
		if sm.SetupComplete != nil {
			c.handler.Open()
		}
		if msg, ok := toMessage(&sm); ok {
			c.handler.Message(msg)
		}
	}
}

// active reports whether callbacks may still be delivered.
func (c *conn) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.finished
}

// terminate classifies a read error and emits the terminal callback.
func (c *conn) terminate(err error) {
	c.mu.Lock()
	if c.closed || c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	failure := c.failure
	c.mu.Unlock()
	c.cancel()

	if failure != nil {
		c.handler.Error(failure)
		return
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			c.handler.Close(ce.Reason)
			return
		}
		c.handler.Error(&live.ConnectionError{Phase: live.PhaseRemote, Err: err})
		return
	}
	c.handler.Error(&live.ConnectionError{Phase: live.PhaseRead, Err: err})
}

// fail emits err as the terminal callback from the receive goroutine.
func (c *conn) fail(err error) {
	c.mu.Lock()
	if c.closed || c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()
	c.cancel()
	c.handler.Error(err)
}

// keepaliveLoop pings the server. A failed ping records the failure and
// closes the socket so the receive loop reports it.
func (c *conn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err == nil || c.ctx.Err() != nil {
				continue
			}
			c.mu.Lock()
			if c.failure == nil {
				c.failure = &live.ConnectionError{Phase: live.PhaseKeepalive, Err: err}
			}
			c.mu.Unlock()
			c.ws.CloseNow()
			return
		}
	}
}

// Close terminates the connection without firing callbacks. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
