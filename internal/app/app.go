// Package app wires the Siren subsystems into a running terminal application.
//
// The App owns the full lifecycle: New builds the live provider from the
// config registry and the session manager, Run reads console commands and
// prints session events until the user quits or the context ends, and
// Shutdown stops the active session.
//
// Console commands, one per line:
//
//	<Enter>   start a session, or stop the running one
//	s         print the current status
//	t         print the transcript of the current session
//	q         quit
package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/MrWong99/siren/internal/config"
	"github.com/MrWong99/siren/internal/observe"
	"github.com/MrWong99/siren/internal/session"
	"github.com/MrWong99/siren/internal/transcript"
	"github.com/MrWong99/siren/pkg/audio"
	"github.com/MrWong99/siren/pkg/provider/live"
)

// App is the terminal front end around a [SessionManager].
type App struct {
	registry *config.Registry
	level    *slog.LevelVar
	metrics  *observe.Metrics

	in  io.Reader
	out io.Writer

	outMu    sync.Mutex
	sessions *SessionManager

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithInput sets the command source. Default: os.Stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.in = r }
}

// WithOutput sets where status and transcript lines are printed.
// Default: os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App. The live provider is built from cfg.Provider via
// registry.
func New(cfg *config.Config, host audio.Host, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		registry: registry,
		in:       os.Stdin,
		out:      os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	provider, err := BuildProvider(registry, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Host:     host,
		Provider: provider,
		Config:   cfg,
		Metrics:  a.metrics,
		Callbacks: session.Callbacks{
			OnStatusChange:       a.printStatus,
			OnTranscriptFragment: a.printFragment,
			OnError:              a.printError,
		},
	})
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager {
	return a.sessions
}

// Run processes console commands until "q", end of input, or ctx is done.
// The active session is stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.Shutdown()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			slog.Warn("app: read console", "err", err)
		}
	}()

	a.println("Press Enter to start talking, Enter again to stop, q to quit.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.handleCommand(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (a *App) handleCommand(ctx context.Context, cmd string) (quit bool) {
	switch strings.ToLower(cmd) {
	case "":
		started, err := a.sessions.Toggle(ctx)
		if err != nil {
			a.printf("[error] %v\n", err)
			return false
		}
		if started {
			a.printf("--- session %d ---\n", a.sessions.Info().Seq)
		}
	case "s", "status":
		a.printf("[status] %s\n", a.sessions.Status())
	case "t", "transcript":
		if s := a.sessions.Current(); s != nil {
			for _, e := range s.Transcript() {
				a.printf("%s: %s\n", e.Role, e.Text)
			}
		}
	case "q", "quit", "exit":
		return true
	default:
		a.printf("unknown command %q\n", cmd)
	}
	return false
}

// OnConfigChange applies a reloaded config. The log level changes at once;
// everything else applies to the next session. Use it as the
// [config.Watcher] callback.
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ListenAddrChanged {
		slog.Warn("server.listen_addr changed; restart to apply")
	}

	a.sessions.UpdateConfig(new, a.rebuildProvider(d, new))
	slog.Info("config reloaded; changes apply to the next session",
		"provider_changed", d.ProviderChanged,
		"agent_changed", d.AgentChanged,
		"audio_changed", d.AudioChanged,
		"session_changed", d.SessionChanged,
	)
}

// rebuildProvider returns a new provider when its entry changed, or nil to
// keep the current one. On failure the current provider is kept.
func (a *App) rebuildProvider(d config.ConfigDiff, cfg *config.Config) live.Provider {
	if !d.NeedsNewProvider() {
		return nil
	}
	p, err := BuildProvider(a.registry, cfg)
	if err != nil {
		slog.Error("keeping previous provider", "err", err)
		return nil
	}
	return p
}

// Shutdown stops the active session. It is idempotent.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		if err := a.sessions.Stop(); err != nil {
			slog.Warn("app: shutdown", "err", err)
		}
	})
}

// ─── Console output ──────────────────────────────────────────────────────────

func (a *App) printStatus(st session.Status) {
	a.printf("[status] %s\n", st)
}

func (a *App) printFragment(role transcript.Role, text string) {
	a.printf("%s: %s\n", role, text)
}

func (a *App) printError(msg string) {
	a.printf("[error] %s\n", msg)
}

func (a *App) println(s string) {
	a.printf("%s\n", s)
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}
