package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/siren/internal/config"
)

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "siren.yaml")
	writeFile(t, path, sampleYAML)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agent.Voice != "Puck" {
		t.Errorf("agent.voice: got %q", cfg.Agent.Voice)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "missing.yaml") {
		t.Errorf("error should name the file, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{name: "file wins", file: "from-file", env: map[string]string{"GEMINI_API_KEY": "env"}, want: "from-file"},
		{name: "gemini key", env: map[string]string{"GEMINI_API_KEY": "g", "API_KEY": "a"}, want: "g"},
		{name: "fallback key", env: map[string]string{"API_KEY": "a"}, want: "a"},
		{name: "nothing set", env: map[string]string{}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Provider: config.ProviderEntry{APIKey: tt.file}}
			config.ApplyEnv(cfg, func(k string) string { return tt.env[k] })
			if cfg.Provider.APIKey != tt.want {
				t.Errorf("APIKey = %q, want %q", cfg.Provider.APIKey, tt.want)
			}
		})
	}
}

func TestApplyEnv_FailoverProviders(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Failover: config.FailoverConfig{Providers: []config.ProviderEntry{
		{Name: "gemini-genai"},
		{Name: "gemini-live", APIKey: "own"},
	}}}
	config.ApplyEnv(cfg, func(k string) string {
		if k == "GEMINI_API_KEY" {
			return "env"
		}
		return ""
	})
	if got := cfg.Failover.Providers[0].APIKey; got != "env" {
		t.Errorf("providers[0].api_key = %q, want env", got)
	}
	if got := cfg.Failover.Providers[1].APIKey; got != "own" {
		t.Errorf("providers[1].api_key = %q, want own", got)
	}
}

func TestLoadFromReader_APIKeyFromEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-env")
	t.Setenv("API_KEY", "")

	cfg, err := config.LoadFromReader(strings.NewReader("agent:\n  voice: Kore\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want from-env", cfg.Provider.APIKey)
	}
}

func TestLoadFromReader_MissingAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("API_KEY", "")

	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err == nil {
		t.Fatal("expected error for missing api key, got nil")
	}
	if !strings.Contains(err.Error(), "GEMINI_API_KEY") {
		t.Errorf("error should point at GEMINI_API_KEY, got: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	writeFile(t, path, "SIREN_TEST_DOTENV=loaded\nSIREN_TEST_PRESET=from-file\n")
	t.Setenv("SIREN_TEST_PRESET", "preset")
	t.Cleanup(func() { os.Unsetenv("SIREN_TEST_DOTENV") })

	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("SIREN_TEST_DOTENV"); got != "loaded" {
		t.Errorf("SIREN_TEST_DOTENV = %q, want loaded", got)
	}
	if got := os.Getenv("SIREN_TEST_PRESET"); got != "preset" {
		t.Errorf("existing variable overridden: got %q", got)
	}
}

func TestLoadDotEnv_Missing(t *testing.T) {
	t.Parallel()
	if err := config.LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("missing file should be ignored, got: %v", err)
	}
	if err := config.LoadDotEnv(""); err != nil {
		t.Errorf("empty path should be ignored, got: %v", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-env")

	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Provider.Name != "gemini-live" {
		t.Errorf("provider.name = %q", cfg.Provider.Name)
	}
	if cfg.Provider.Options["keepalive"] != "20s" {
		t.Errorf("options.keepalive = %v", cfg.Provider.Options["keepalive"])
	}
	if cfg.Agent.Instructions != config.DefaultInstructions {
		t.Error("empty instructions should fall back to the default persona")
	}
}
