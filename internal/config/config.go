// Package config provides the configuration schema, loader, provider registry
// and file watcher for Siren.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/siren/internal/session"
	"github.com/MrWong99/siren/internal/transcript"
	"github.com/MrWong99/siren/pkg/audio"
	"github.com/MrWong99/siren/pkg/provider/live"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown and empty values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// DefaultInstructions is the persona used when agent.instructions is empty.
const DefaultInstructions = "You are Siren, a friendly and concise voice assistant. " +
	"Answer in short spoken sentences and stop talking as soon as the user interrupts."

// Config is the root configuration structure for Siren.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderEntry  `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	Audio    AudioConfig    `yaml:"audio"`
	Session  SessionConfig  `yaml:"session"`
	Failover FailoverConfig `yaml:"failover"`
}

// ServerConfig holds logging and debug server settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr is the TCP address of the debug HTTP server serving
	// /metrics, /healthz and /readyz (e.g., "localhost:9090"). Empty disables
	// the server.
	ListenAddr string `yaml:"listen_addr"`
}

// ProviderEntry selects and configures the live provider. The Name field is
// used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation ("gemini-live" or
	// "gemini-genai").
	Name string `yaml:"name"`

	// APIKey is the authentication key. When empty it is taken from the
	// GEMINI_API_KEY or API_KEY environment variables.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the live model. Empty uses the provider default.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// AgentConfig describes the remote agent's persona and the transcription
// streams requested from it.
type AgentConfig struct {
	// Voice is the prebuilt voice name. Default: "Kore".
	Voice string `yaml:"voice"`

	// Instructions is the system persona. Default: [DefaultInstructions].
	Instructions string `yaml:"instructions"`

	// InputTranscription requests transcripts of the user. Default: true.
	InputTranscription *bool `yaml:"input_transcription"`

	// OutputTranscription requests transcripts of the agent. Default: true.
	OutputTranscription *bool `yaml:"output_transcription"`
}

// AudioConfig selects devices and stream parameters.
type AudioConfig struct {
	// InputSampleRate is the microphone rate in Hz. Default: 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the speaker rate in Hz. Default: 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples per captured frame. Default: 4096.
	FrameSize int `yaml:"frame_size"`

	// SendQueue is the number of encoded frames buffered for sending.
	// Default: 8.
	SendQueue int `yaml:"send_queue"`

	// InputDevice is the microphone name. Empty selects the system default.
	InputDevice string `yaml:"input_device"`

	// OutputDevice is the speaker name. Empty selects the system default.
	OutputDevice string `yaml:"output_device"`
}

// SessionConfig controls session behaviour.
type SessionConfig struct {
	// ConnectTimeout bounds how long a session may stay connecting. Zero
	// waits until the user stops the session.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// TranscriptPolicy is "append" (default) or "merge".
	TranscriptPolicy transcript.Policy `yaml:"transcript_policy"`
}

// FailoverConfig lists providers tried in order when provider refuses a
// connection. Each provider, the primary included, is skipped for
// ResetTimeout after MaxFailures consecutive failed connects.
type FailoverConfig struct {
	// Providers are the fallbacks. Empty disables failover.
	Providers []ProviderEntry `yaml:"providers"`

	// MaxFailures defaults to 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout defaults to 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "gemini-live"
	}
	if c.Agent.Voice == "" {
		c.Agent.Voice = live.DefaultVoice
	}
	if c.Agent.Instructions == "" {
		c.Agent.Instructions = DefaultInstructions
	}
	if c.Agent.InputTranscription == nil {
		c.Agent.InputTranscription = new(true)
	}
	if c.Agent.OutputTranscription == nil {
		c.Agent.OutputTranscription = new(true)
	}
	if c.Audio.InputSampleRate == 0 {
		c.Audio.InputSampleRate = live.InputSampleRate
	}
	if c.Audio.OutputSampleRate == 0 {
		c.Audio.OutputSampleRate = live.OutputSampleRate
	}
	if c.Audio.FrameSize == 0 {
		c.Audio.FrameSize = session.DefaultFrameSize
	}
	if c.Audio.SendQueue == 0 {
		c.Audio.SendQueue = 8
	}
	if c.Session.TranscriptPolicy == "" {
		c.Session.TranscriptPolicy = transcript.PolicyAppend
	}
	if c.Failover.MaxFailures == 0 {
		c.Failover.MaxFailures = 3
	}
	if c.Failover.ResetTimeout == 0 {
		c.Failover.ResetTimeout = 30 * time.Second
	}
}

// SessionConfig builds the configuration of one live session from c.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Live: live.Config{
			Model:               c.Provider.Model,
			Voice:               c.Agent.Voice,
			Instructions:        c.Agent.Instructions,
			InputTranscription:  enabled(c.Agent.InputTranscription),
			OutputTranscription: enabled(c.Agent.OutputTranscription),
		},
		Input: audio.InputConfig{
			Device:     c.Audio.InputDevice,
			SampleRate: c.Audio.InputSampleRate,
			FrameSize:  c.Audio.FrameSize,
		},
		Output: audio.OutputConfig{
			Device:     c.Audio.OutputDevice,
			SampleRate: c.Audio.OutputSampleRate,
		},
		SendQueue:        c.Audio.SendQueue,
		ConnectTimeout:   c.Session.ConnectTimeout,
		TranscriptPolicy: c.Session.TranscriptPolicy,
	}
}

// enabled treats nil as true.
func enabled(b *bool) bool {
	return b == nil || *b
}
