package genai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/siren/pkg/provider/live"
	"github.com/MrWong99/siren/pkg/provider/live/genai"
)

// startLiveServer runs a gorilla WebSocket server speaking enough of the Live
// protocol for the SDK. handler owns the connection until it returns.
func startLiveServer(t *testing.T, handler func(c *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handler(c, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func baseURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func readMap(c *websocket.Conn) (map[string]any, error) {
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	err = json.Unmarshal(data, &m)
	return m, err
}

func writeMap(c *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = c.WriteMessage(websocket.TextMessage, data)
}

type recorder struct {
	open     chan struct{}
	messages chan live.Message
	errs     chan error
	closes   chan string
}

func newRecorder() *recorder {
	return &recorder{
		open:     make(chan struct{}, 2),
		messages: make(chan live.Message, 8),
		errs:     make(chan error, 2),
		closes:   make(chan string, 2),
	}
}

func (r *recorder) handler() live.Handler {
	return live.Handler{
		OnOpen:    func() { r.open <- struct{}{} },
		OnMessage: func(m live.Message) { r.messages <- m },
		OnError:   func(err error) { r.errs <- err },
		OnClose:   func(reason string) { r.closes <- reason },
	}
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func TestConnect_SetupAndOpen(t *testing.T) {
	t.Parallel()
	setupCh := make(chan map[string]any, 1)
	pathCh := make(chan string, 1)

	srv := startLiveServer(t, func(c *websocket.Conn, r *http.Request) {
		pathCh <- r.URL.Path
		m, err := readMap(c)
		if err != nil {
			return
		}
		setupCh <- m
		writeMap(c, map[string]any{"setupComplete": map[string]any{}})
		_, _, _ = c.ReadMessage()
	})

	rec := newRecorder()
	p := genai.New("test-key", genai.WithBaseURL(baseURL(srv)), genai.WithModel("test-model"))
	conn, err := p.Connect(context.Background(), live.Config{Voice: "Kore", Instructions: "Be brief."}, rec.handler())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if path := wait(t, pathCh, "request path"); !strings.HasSuffix(path, "GenerativeService.BidiGenerateContent") {
		t.Errorf("path = %q", path)
	}
	setup, ok := wait(t, setupCh, "setup")["setup"].(map[string]any)
	if !ok {
		t.Fatal("setup message missing setup object")
	}
	if setup["model"] != "models/test-model" {
		t.Errorf("model = %v", setup["model"])
	}
	wait(t, rec.open, "OnOpen")
}

func TestServerContent_ReencodesAudio(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(c *websocket.Conn, _ *http.Request) {
		if _, err := readMap(c); err != nil {
			return
		}
		writeMap(c, map[string]any{"setupComplete": map[string]any{}})
		writeMap(c, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAE="}},
					},
				},
				"outputTranscription": map[string]any{"text": "hi"},
				"interrupted":         true,
			},
		})
		_, _, _ = c.ReadMessage()
	})

	rec := newRecorder()
	conn, err := genai.New("k", genai.WithBaseURL(baseURL(srv))).Connect(context.Background(), live.Config{}, rec.handler())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	m := wait(t, rec.messages, "message")
	if len(m.Audio) != 1 || m.Audio[0].Data != "AAE=" || m.Audio[0].MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("audio = %+v", m.Audio)
	}
	if m.OutputTranscript != "hi" || !m.Interrupted {
		t.Errorf("message = %+v", m)
	}
}

func TestSendAudio(t *testing.T) {
	t.Parallel()
	frames := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(c *websocket.Conn, _ *http.Request) {
		if _, err := readMap(c); err != nil {
			return
		}
		writeMap(c, map[string]any{"setupComplete": map[string]any{}})
		if m, err := readMap(c); err == nil {
			frames <- m
		}
		_, _, _ = c.ReadMessage()
	})

	rec := newRecorder()
	conn, err := genai.New("k", genai.WithBaseURL(baseURL(srv))).Connect(context.Background(), live.Config{}, rec.handler())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()
	wait(t, rec.open, "OnOpen")

	if err := conn.SendAudio(context.Background(), []byte{1, 0, 2, 0}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	f := wait(t, frames, "realtime input")
	if _, ok := f["realtimeInput"]; !ok {
		t.Errorf("frame = %v, want realtimeInput", f)
	}
}

func TestRemoteClose(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(c *websocket.Conn, _ *http.Request) {
		if _, err := readMap(c); err != nil {
			return
		}
		writeMap(c, map[string]any{"setupComplete": map[string]any{}})
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		_, _, _ = c.ReadMessage()
	})

	rec := newRecorder()
	conn, err := genai.New("k", genai.WithBaseURL(baseURL(srv))).Connect(context.Background(), live.Config{}, rec.handler())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if reason := wait(t, rec.closes, "OnClose"); reason != "done" {
		t.Errorf("reason = %q, want done", reason)
	}
}

func TestServerError(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(c *websocket.Conn, _ *http.Request) {
		if _, err := readMap(c); err != nil {
			return
		}
		writeMap(c, map[string]any{"error": map[string]any{"code": 403, "message": "forbidden"}})
		_, _, _ = c.ReadMessage()
	})

	rec := newRecorder()
	conn, err := genai.New("k", genai.WithBaseURL(baseURL(srv))).Connect(context.Background(), live.Config{}, rec.handler())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	err = wait(t, rec.errs, "OnError")
	var ce *live.ConnectionError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want ConnectionError", err)
	}
}

func TestLocalClose_NoCallbacks(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(c *websocket.Conn, _ *http.Request) {
		if _, err := readMap(c); err != nil {
			return
		}
		writeMap(c, map[string]any{"setupComplete": map[string]any{}})
		_, _, _ = c.ReadMessage()
	})

	rec := newRecorder()
	conn, err := genai.New("k", genai.WithBaseURL(baseURL(srv))).Connect(context.Background(), live.Config{}, rec.handler())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	wait(t, rec.open, "OnOpen")
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-rec.errs:
		t.Errorf("OnError after Close: %v", err)
	case r := <-rec.closes:
		t.Errorf("OnClose(%q) after Close", r)
	case <-time.After(100 * time.Millisecond):
	}
	if err := conn.SendAudio(context.Background(), []byte{0, 0}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
}
