// Package genai implements live.Provider on top of the official Google Gen AI
// SDK's Live client.
//
// It offers the same behaviour as the gemini package's raw WebSocket
// transport but delegates protocol framing, authentication headers and model
// name resolution to the SDK. Inline audio returned by the SDK as raw bytes is
// re-encoded to its text-safe form so consumers decode every backend's audio
// the same way.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	gai "google.golang.org/genai"

	"github.com/MrWong99/siren/pkg/audio"
	"github.com/MrWong99/siren/pkg/provider/live"
)

// Compile-time assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Conn     = (*conn)(nil)
)

const defaultAPIVersion = "v1beta"

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

// WithBaseURL overrides the API base URL, e.g. to point at a local test
// server. The SDK derives the WebSocket endpoint from it.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIVersion overrides the API version path segment. Default: "v1beta".
func WithAPIVersion(v string) Option {
	return func(p *Provider) {
		if v != "" {
			p.apiVersion = v
		}
	}
}

// Provider implements live.Provider using [gai.Client].
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
}

// New creates a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      live.DefaultModel,
		apiVersion: defaultAPIVersion,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect creates an SDK client and opens a Live session. h.OnOpen fires when
// the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg live.Config, h live.Handler) (live.Conn, error) {
	client, err := gai.NewClient(ctx, &gai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: gai.BackendGeminiAPI,
		HTTPOptions: gai.HTTPOptions{
			BaseURL:    p.baseURL,
			APIVersion: p.apiVersion,
		},
	})
	if err != nil {
		return nil, &live.ConnectionError{Phase: live.PhaseDial, Err: fmt.Errorf("genai: new client: %w", err)}
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	sess, err := client.Live.Connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, &live.ConnectionError{Phase: live.PhaseDial, Err: fmt.Errorf("genai: connect: %w", err)}
	}

	c := &conn{
		sess:    sess,
		handler: h,
		mime:    cfg.InputMIMEType(),
		done:    make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

func connectConfig(cfg live.Config) *gai.LiveConnectConfig {
	lc := &gai.LiveConnectConfig{
		ResponseModalities: []gai.Modality{gai.ModalityAudio},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &gai.SpeechConfig{
			VoiceConfig: &gai.VoiceConfig{
				PrebuiltVoiceConfig: &gai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = gai.NewContentFromText(cfg.Instructions, gai.RoleUser)
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &gai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &gai.AudioTranscriptionConfig{}
	}
	return lc
}

// toMessage flattens an SDK message. ok is false when it carries nothing a
// consumer would act on.
func toMessage(m *gai.LiveServerMessage) (msg live.Message, ok bool) {
	if sc := m.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil {
					continue
				}
				if p.InlineData != nil {
					msg.Audio = append(msg.Audio, live.AudioPart{
						MIMEType: p.InlineData.MIMEType,
						Data:     audio.EncodeText(p.InlineData.Data),
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
	if m.GoAway != nil {
		msg.GoAway = max(m.GoAway.TimeLeft, 1)
		ok = true
	}
	return msg, ok
}

type conn struct {
	sess    *gai.Session
	handler live.Handler
	mime    string
	done    chan struct{}

	// writeMu serializes writes; the underlying socket allows one writer.
	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	finished bool
}

func (c *conn) SendAudio(_ context.Context, chunk []byte) error {
	if !c.active() {
		return live.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.sess.SendRealtimeInput(gai.LiveRealtimeInput{
		Audio: &gai.Blob{MIMEType: c.mime, Data: chunk},
	})
	if err != nil {
		return fmt.Errorf("genai: send audio: %w", err)
	}
	return nil
}

func (c *conn) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.finished
}

func (c *conn) receiveLoop() {
	defer close(c.done)
	for {
		m, err := c.sess.Receive()
		if err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				slog.Warn("genai: skipping malformed frame", "err", err)
				continue
			}
			c.terminate(err)
			return
		}
		if !c.active() {
			return
		}
		if m.SetupComplete != nil {
			c.handler.Open()
		}
		if msg, ok := toMessage(m); ok {
			c.handler.Message(msg)
		}
	}
}

// terminate classifies a receive error and emits the terminal callback.
func (c *conn) terminate(err error) {
	c.mu.Lock()
	if c.closed || c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		var ce *websocket.CloseError
		errors.As(err, &ce)
		c.handler.Close(ce.Text)
	case errors.As(err, new(*websocket.CloseError)):
		c.handler.Error(&live.ConnectionError{Phase: live.PhaseRemote, Err: err})
	default:
		// The SDK reports server error payloads and socket failures alike as
		// plain errors.
		c.handler.Error(&live.ConnectionError{Phase: live.PhaseRead, Err: err})
	}
	_ = c.sess.Close()
}

// Close closes the SDK session without firing callbacks. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if err := c.sess.Close(); err != nil {
		return fmt.Errorf("genai: close: %w", err)
	}
	return nil
}
