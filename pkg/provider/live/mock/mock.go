// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and obtain the Conn handed to the
// code under test. Use Conn to drive server events (open, messages, errors,
// remote close) from the test goroutine and inspect what was sent.
//
// Example:
//
//	p := &mock.Provider{}
//	c, _ := p.Connect(ctx, cfg, handler)
//	p.LastConn().Open()
//	p.LastConn().Deliver(live.Message{OutputTranscript: "hi"})
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/siren/pkg/provider/live"
)

// Compile-time assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Conn     = (*Conn)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or the
	// context is done. A cancelled context yields ctx.Err().
	Block chan struct{}

	// OpenBeforeReturn fires OnOpen from inside Connect, before the Conn is
	// returned, to exercise callers that race the open event.
	OpenBeforeReturn bool

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	conns   []*Conn
	entered chan struct{}
}

// Connect records the call and returns a new [Conn].
func (p *Provider) Connect(ctx context.Context, cfg live.Config, h live.Handler) (live.Conn, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	if p.entered != nil {
		close(p.entered)
		p.entered = nil
	}
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := &Conn{handler: h, closedCh: make(chan struct{})}
	p.conns = append(p.conns, c)
	if p.OpenBeforeReturn {
		c.Open()
	}
	return c, nil
}

// Entered returns a channel closed when the next Connect call begins.
func (p *Provider) Entered() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entered == nil {
		p.entered = make(chan struct{})
	}
	return p.entered
}

// Calls returns the number of Connect invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastConn returns the most recently created Conn, or nil.
func (p *Provider) LastConn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

// Reset clears all recorded calls and connections.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.conns = nil
}

// Conn is a mock live.Conn. Event methods invoke the handler on the calling
// goroutine and are no-ops once the Conn is closed or has terminated.
type Conn struct {
	handler live.Handler

	mu         sync.Mutex
	sent       [][]byte
	closed     bool
	terminated bool
	closeCount int
	closedCh   chan struct{}

	// SendErr, if set, is returned by SendAudio.
	SendErr error
}

// SendAudio records chunk.
func (c *Conn) SendAudio(_ context.Context, chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return live.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, append([]byte(nil), chunk...))
	return nil
}

// Close implements live.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

// Sent returns copies of every chunk sent so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// WaitClosed blocks until Close is called or timeout elapses.
func (c *Conn) WaitClosed(timeout time.Duration) error {
	select {
	case <-c.closedCh:
		return nil
	case <-time.After(timeout):
		return errors.New("mock: conn not closed")
	}
}

// live reports whether events may still be delivered.
func (c *Conn) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.terminated
}

// Open fires OnOpen.
func (c *Conn) Open() {
	if c.live() {
		c.handler.Open()
	}
}

// Deliver fires OnMessage.
func (c *Conn) Deliver(m live.Message) {
	if c.live() {
		c.handler.Message(m)
	}
}

// Fail fires OnError and terminates the Conn.
func (c *Conn) Fail(err error) {
	if c.terminate() {
		c.handler.Error(err)
	}
}

// RemoteClose fires OnClose and terminates the Conn.
func (c *Conn) RemoteClose(reason string) {
	if c.terminate() {
		c.handler.Close(reason)
	}
}

func (c *Conn) terminate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.terminated {
		return false
	}
	c.terminated = true
	return true
}
