// Command siren is a terminal voice assistant that streams the microphone to
// a live speech-to-speech agent and plays its spoken replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/siren/internal/app"
	"github.com/MrWong99/siren/internal/config"
	"github.com/MrWong99/siren/internal/health"
	"github.com/MrWong99/siren/internal/observe"
	"github.com/MrWong99/siren/pkg/audio/portaudio"
	"github.com/MrWong99/siren/pkg/provider/live"
	"github.com/MrWong99/siren/pkg/provider/live/gemini"
	"github.com/MrWong99/siren/pkg/provider/live/genai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "siren.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file with secrets")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "siren: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "siren: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "siren: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("siren starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"voice", cfg.Agent.Voice,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	metrics := observe.DefaultMetrics()
	application, err := app.New(cfg, portaudio.NewHost(), reg,
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, application.OnConfigChange)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	appDone := make(chan struct{})

	g.Go(func() error {
		defer close(appDone)
		return application.Run(gctx)
	})

	if watcher != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-appDone:
			}
			watcher.Stop()
			return nil
		})
	}

	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := newDebugServer(addr, tel, metrics, application)
		g.Go(func() error {
			slog.Info("debug server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-appDone:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the live provider factories that ship with
// Siren into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		opts := []gemini.Option{gemini.WithModel(entry.Model)}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if d := optString(entry.Options, "keepalive"); d != "" {
			interval, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("options.keepalive: %w", err)
			}
			opts = append(opts, gemini.WithKeepalive(interval))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.Register("gemini-genai", func(entry config.ProviderEntry) (live.Provider, error) {
		opts := []genai.Option{genai.WithModel(entry.Model)}
		if entry.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "api_version"); v != "" {
			opts = append(opts, genai.WithAPIVersion(v))
		}
		return genai.New(entry.APIKey, opts...), nil
	})
}

// ── Debug server ──────────────────────────────────────────────────────────────

func newDebugServer(addr string, tel *observe.Telemetry, m *observe.Metrics, a *app.App) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(observe.MetricsPath, tel.Handler())
	health.New([]health.Checker{{Name: "session", Check: a.Sessions().Check}}).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m, observe.MetricsPath, "/healthz", "/readyz")(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr and the level variable that
// config reloads adjust.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
