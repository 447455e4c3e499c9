package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:11434" {
		t.Errorf("addr = %s, want 127.0.0.1:11434", cfg.Server.Addr())
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.RequestTimeout != 0 || cfg.Backend.Timeout != 0 {
		t.Error("timeouts should be disabled by default")
	}
	if cfg.Backend.BaseURL != "http://localhost:8001/v1" || cfg.Backend.APIKey != "dummy" {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.Backend.MaxIdleConns != 100 {
		t.Errorf("max idle conns = %d", cfg.Backend.MaxIdleConns)
	}
	if cfg.Stream.ToolArguments != "delta" {
		t.Errorf("tool arguments = %q", cfg.Stream.ToolArguments)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if !cfg.Telemetry.Metrics || cfg.Telemetry.Tracing {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("TEST_BACKEND_KEY", "sk-from-env")

	path := writeConfig(t, `
server:
  port: 9999
  request_timeout: 2m
backend:
  base_url: https://api.example.com/v1
  api_key: ${TEST_BACKEND_KEY}
  timeout: 45s
stream:
  tool_arguments: accumulated
models:
  - name: llama3
    backend_model: gpt-4o-mini
  - name: qwen2:7b
    size: 4000000000
watch: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9999 || cfg.Server.RequestTimeout != 2*time.Minute {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Backend.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want substituted value", cfg.Backend.APIKey)
	}
	if cfg.Backend.Timeout != 45*time.Second {
		t.Errorf("backend timeout = %v", cfg.Backend.Timeout)
	}
	if cfg.Stream.ToolArguments != "accumulated" {
		t.Errorf("tool arguments = %q", cfg.Stream.ToolArguments)
	}
	if got := cfg.ModelNames(); len(got) != 2 || got[0] != "llama3" || got[1] != "qwen2:7b" {
		t.Errorf("models = %v", got)
	}
	if cfg.Models[0].BackendModel != "gpt-4o-mini" {
		t.Errorf("backend_model = %q", cfg.Models[0].BackendModel)
	}
	if cfg.Models[1].Size != 4000000000 {
		t.Errorf("size = %d", cfg.Models[1].Size)
	}
	if !cfg.Watch {
		t.Error("watch should be enabled")
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Error("unset keys should keep defaults")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9999\n")

	t.Setenv("OLLAMA_GATEWAY_SERVER__PORT", "9000")
	t.Setenv("OLLAMA_GATEWAY_BACKEND__BASE_URL", "http://backend:8000/v1")
	t.Setenv("OLLAMA_GATEWAY_BACKEND__INCLUDE_USAGE", "true")
	t.Setenv("OLLAMA_GATEWAY_LOGGING__LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want env override 9000", cfg.Server.Port)
	}
	if cfg.Backend.BaseURL != "http://backend:8000/v1" {
		t.Errorf("base url = %q", cfg.Backend.BaseURL)
	}
	if !cfg.Backend.IncludeUsage {
		t.Error("include usage should be true")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestLoad_LegacyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_BASE", "http://legacy:8001/v1")
	t.Setenv("OPENAI_API_KEY", "legacy-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.BaseURL != "http://legacy:8001/v1" || cfg.Backend.APIKey != "legacy-key" {
		t.Errorf("backend = %+v", cfg.Backend)
	}

	t.Setenv("OLLAMA_GATEWAY_BACKEND__API_KEY", "new-key")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.APIKey != "new-key" {
		t.Errorf("prefixed variable should win, got %q", cfg.Backend.APIKey)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "missing explicit file", path: filepath.Join(t.TempDir(), "nope.yaml")},
		{name: "bad port", path: writeConfig(t, "server:\n  port: 70000\n")},
		{name: "bad tool argument mode", path: writeConfig(t, "stream:\n  tool_arguments: sometimes\n")},
		{name: "unnamed model", path: writeConfig(t, "models:\n  - size: 1\n")},
		{name: "malformed yaml", path: writeConfig(t, "server: [\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, "models:\n  - name: llama3\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reloaded := make(chan *Config, 4)
	w, err := Watch(path, logger, func(cfg *Config) {
		reloaded <- cfg
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("models:\n  - name: mistral\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	// A rewrite can surface as a truncate then a write; wait for the final state.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if got := cfg.ModelNames(); len(got) == 1 && got[0] == "mistral" {
				return
			}
		case <-timeout:
			t.Fatal("config change was not observed")
		}
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "${TEST_VAR}",
			want:  "test-value",
		},
		{
			name:  "substitution in string",
			input: "prefix-${TEST_VAR}-suffix",
			want:  "prefix-test-value-suffix",
		},
		{
			name:  "no substitution",
			input: "plain-string",
			want:  "plain-string",
		},
		{
			name:  "undefined var",
			input: "${UNDEFINED_VAR}",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
