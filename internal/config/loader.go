package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the live providers shipped with Siren.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "gemini-genai"}

// APIKeyEnv lists the environment variables consulted, in order, when
// provider.api_key is empty.
var APIKeyEnv = []string{"GEMINI_API_KEY", "API_KEY"}

// LoadDotEnv loads KEY=VALUE pairs from the file at path into the process
// environment. Variables that are already set are not overridden. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills the API key from the
// environment when it is empty, applies defaults and validates the result.
// An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.Getenv)
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv sets the api_key of the provider and of every failover provider
// from the first non-empty variable in [APIKeyEnv] when the file leaves it
// empty.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	var key string
	for _, name := range APIKeyEnv {
		if key = getenv(name); key != "" {
			break
		}
	}
	if key == "" {
		return
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	for i := range cfg.Failover.Providers {
		if cfg.Failover.Providers[i].APIKey == "" {
			cfg.Failover.Providers[i].APIKey = key
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name; it may be a typo or a third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider.api_key is required; set it in the file or via %s", APIKeyEnv[0]))
	}

	// Audio
	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must be positive", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must be positive", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.FrameSize < 0 || cfg.Audio.FrameSize > 1<<16 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d is out of range [1, 65536]", cfg.Audio.FrameSize))
	}
	if cfg.Audio.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.send_queue %d must be positive", cfg.Audio.SendQueue))
	}
	if cfg.Audio.InputSampleRate > 0 && cfg.Audio.FrameSize > 0 {
		if frame := cfg.Audio.FrameSize * 1000 / cfg.Audio.InputSampleRate; frame > 1000 {
			slog.Warn("audio.frame_size yields frames longer than one second; uplink latency will suffer",
				"frame_ms", frame,
			)
		}
	}

	// Session
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}
	if !cfg.Session.TranscriptPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("session.transcript_policy %q is invalid; valid values: append, merge", cfg.Session.TranscriptPolicy))
	}

	// Failover
	for i, p := range cfg.Failover.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("failover.providers[%d].name is required", i))
		}
		if p.APIKey == "" {
			errs = append(errs, fmt.Errorf("failover.providers[%d].api_key is required", i))
		}
	}
	if cfg.Failover.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("failover.max_failures %d must not be negative", cfg.Failover.MaxFailures))
	}
	if cfg.Failover.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("failover.reset_timeout %s must not be negative", cfg.Failover.ResetTimeout))
	}

	return errors.Join(errs...)
}
