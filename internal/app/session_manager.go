package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/siren/internal/config"
	"github.com/MrWong99/siren/internal/observe"
	"github.com/MrWong99/siren/internal/session"
	"github.com/MrWong99/siren/pkg/audio"
	"github.com/MrWong99/siren/pkg/provider/live"
)

// ErrSessionActive is returned by [SessionManager.Start] while a session is
// still running.
var ErrSessionActive = errors.New("app: a session is already active")

// SessionInfo holds metadata about the current or most recent session.
type SessionInfo struct {
	// Seq numbers sessions from 1 in start order.
	Seq int

	// StartedAt is when the session was started.
	StartedAt time.Time

	// Voice and Model are the agent settings the session was started with.
	Voice string
	Model string
}

// SessionManager manages the lifecycle of live sessions. Only one session
// can be active at a time. All exported methods are safe for concurrent use.
type SessionManager struct {
	host    audio.Host
	cb      session.Callbacks
	metrics *observe.Metrics

	mu       sync.Mutex
	cfg      *config.Config
	provider live.Provider
	current  *session.Session
	info     SessionInfo
	seq      int
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Host     audio.Host
	Provider live.Provider
	Config   *config.Config

	// Callbacks are attached to every session the manager starts.
	Callbacks session.Callbacks

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		host:     cfg.Host,
		provider: cfg.Provider,
		cfg:      cfg.Config,
		cb:       cfg.Callbacks,
		metrics:  m,
	}
}

// running reports whether s has not yet delivered its final callback.
func running(s *session.Session) bool {
	if s == nil {
		return false
	}
	select {
	case <-s.Done():
		return false
	default:
		return true
	}
}

// Start creates a new session from the current config and starts it in the
// background. Progress and failures are reported through the callbacks.
// Returns [ErrSessionActive] if a session is still running.
func (sm *SessionManager) Start(ctx context.Context) (*session.Session, error) {
	sm.mu.Lock()
	if running(sm.current) {
		sm.mu.Unlock()
		return nil, ErrSessionActive
	}
	s := session.New(sm.cfg.SessionConfig(), sm.host, sm.provider, sm.cb, session.WithMetrics(sm.metrics))
	sm.seq++
	sm.current = s
	sm.info = SessionInfo{
		Seq:       sm.seq,
		StartedAt: time.Now().UTC(),
		Voice:     sm.cfg.Agent.Voice,
		Model:     sm.cfg.Provider.Model,
	}
	info := sm.info
	sm.mu.Unlock()

	slog.Info("session starting", "seq", info.Seq, "voice", info.Voice, "model", info.Model)
	go func() {
		if err := s.Start(ctx); err != nil && !errors.Is(err, session.ErrStopped) {
			slog.Warn("session start failed", "seq", info.Seq, "err", err)
		}
	}()
	return s, nil
}

// Stop stops the current session, if any. Both audio devices are released
// before Stop returns.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	s := sm.current
	sm.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.Stop(); err != nil {
		return fmt.Errorf("app: stop session: %w", err)
	}
	return nil
}

// Toggle stops the running session or starts a new one. It reports whether
// a session was started.
func (sm *SessionManager) Toggle(ctx context.Context) (bool, error) {
	if running(sm.Current()) {
		return false, sm.Stop()
	}
	_, err := sm.Start(ctx)
	return err == nil, err
}

// Current returns the current or most recent session, or nil.
func (sm *SessionManager) Current() *session.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Info returns metadata about the current or most recent session.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Status returns the status of the current session, or disconnected.
func (sm *SessionManager) Status() session.Status {
	if s := sm.Current(); s != nil {
		return s.Status()
	}
	return session.StatusDisconnected
}

// UpdateConfig replaces the config, and the provider if p is non-nil, used
// for the next session. A running session is not affected.
func (sm *SessionManager) UpdateConfig(cfg *config.Config, p live.Provider) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
	if p != nil {
		sm.provider = p
	}
}

// Check reports an error when the most recent session ended in error or the
// provider reports itself unusable. It is used as a readiness check.
func (sm *SessionManager) Check(ctx context.Context) error {
	sm.mu.Lock()
	s, p := sm.current, sm.provider
	sm.mu.Unlock()

	if c, ok := p.(checker); ok {
		if err := c.Check(ctx); err != nil {
			return err
		}
	}
	if s == nil || s.Status() != session.StatusError {
		return nil
	}
	return fmt.Errorf("last session failed: %w", s.Err())
}
