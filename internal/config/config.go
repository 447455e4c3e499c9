// Package config loads gateway configuration from an optional YAML file and
// OLLAMA_GATEWAY_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use a
// double underscore, e.g. OLLAMA_GATEWAY_BACKEND__BASE_URL.
const EnvPrefix = "OLLAMA_GATEWAY_"

// DefaultPath is read when no path is given. It may be absent.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Backend   BackendConfig   `koanf:"backend"`
	Stream    StreamConfig    `koanf:"stream"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	// Models is reported by /api/tags instead of querying the backend.
	Models []ModelConfig `koanf:"models"`

	// Watch reloads Models when the config file changes.
	Watch bool `koanf:"watch"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// RequestTimeout bounds non-streaming requests; zero disables it.
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type BackendConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
	// Timeout bounds the wait for backend response headers; zero disables it.
	Timeout      time.Duration `koanf:"timeout"`
	MaxIdleConns int           `koanf:"max_idle_conns"`
	// IncludeUsage asks streaming backends for a trailing usage report.
	IncludeUsage bool `koanf:"include_usage"`
}

type StreamConfig struct {
	// ToolArguments is "delta" or "accumulated".
	ToolArguments string `koanf:"tool_arguments"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"`
	Metrics bool `koanf:"metrics"`
}

type ModelConfig struct {
	Name string `koanf:"name"`
	// BackendModel is sent to the backend in place of Name when set.
	BackendModel string `koanf:"backend_model"`
	// Size is reported in bytes; optional.
	Size int64 `koanf:"size"`
}

var defaults = map[string]any{
	"server.host":             "127.0.0.1",
	"server.port":             11434,
	"server.request_timeout":  "0s",
	"server.shutdown_timeout": "30s",
	"backend.base_url":        "http://localhost:8001/v1",
	"backend.api_key":         "dummy",
	"backend.timeout":         "0s",
	"backend.max_idle_conns":  100,
	"backend.include_usage":   false,
	"stream.tool_arguments":   "delta",
	"logging.level":           "info",
	"logging.format":          "json",
	"telemetry.tracing":       false,
	"telemetry.metrics":       true,
	"watch":                   false,
}

// Legacy variables honored when the corresponding key is otherwise unset.
var legacyEnv = map[string]string{
	"backend.base_url": "OPENAI_API_BASE",
	"backend.api_key":  "OPENAI_API_KEY",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then environment overrides, then
// defaults. A missing DefaultPath is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, name := range legacyEnv {
		if v := os.Getenv(name); v != "" && !k.Exists(key) {
			k.Set(key, v)
		}
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Backend.APIKey = substituteEnvVars(cfg.Backend.APIKey)
	cfg.Backend.BaseURL = substituteEnvVars(cfg.Backend.BaseURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	switch strings.ToLower(c.Stream.ToolArguments) {
	case "", "delta", "accumulated":
	default:
		return fmt.Errorf("stream.tool_arguments must be delta or accumulated, got %q", c.Stream.ToolArguments)
	}
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
	}
	return nil
}

// ModelNames returns the configured static model names.
func (c *Config) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		names = append(names, m.Name)
	}
	return names
}

// Watcher reloads a config file on change.
type Watcher struct {
	path     string
	provider *file.File
}

// Watch calls onChange with the reloaded config each time path changes.
// Reload errors are logged and the previous config stays in effect.
func Watch(path string, logger *slog.Logger, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		path = DefaultPath
	}

	w := &Watcher{path: path, provider: file.Provider(path)}
	err := w.provider.Watch(func(event interface{}, err error) {
		if err != nil {
			logger.Error("config watch error", slog.String("path", path), slog.String("error", err.Error()))
			return
		}

		cfg, err := Load(path)
		if err != nil {
			logger.Error("config reload failed", slog.String("path", path), slog.String("error", err.Error()))
			return
		}

		logger.Info("config reloaded", slog.String("path", path), slog.Int("models", len(cfg.Models)))
		onChange(cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("watch config file %s: %w", path, err)
	}
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.provider.Unwatch()
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
