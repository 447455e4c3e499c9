package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/gaoyifan/openai2ollama/internal/api/openai"
	"github.com/gaoyifan/openai2ollama/internal/config"
	"github.com/gaoyifan/openai2ollama/internal/frontdoor/ollama"
	"github.com/gaoyifan/openai2ollama/internal/logging"
	"github.com/gaoyifan/openai2ollama/internal/metrics"
	"github.com/gaoyifan/openai2ollama/internal/provider"
	"github.com/gaoyifan/openai2ollama/internal/server"
	"github.com/gaoyifan/openai2ollama/internal/telemetry"
	"github.com/gaoyifan/openai2ollama/internal/tokens"
	"github.com/gaoyifan/openai2ollama/internal/translate"
)

const serviceName = "openai2ollama"

// Set at build time with -ldflags "-X main.version=...".
var version = ollama.DefaultVersion

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:    serviceName,
		Usage:   "serve the Ollama chat API on top of an OpenAI-compatible backend",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the YAML configuration file", Sources: cli.EnvVars("OLLAMA_GATEWAY_CONFIG")},
			&cli.StringFlag{Name: "host", Usage: "address to listen on"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "port to listen on"},
			&cli.StringFlag{Name: "backend-url", Usage: "base URL of the OpenAI-compatible backend"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg.Telemetry.Tracing, os.Stderr, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(metrics.Config{Enabled: cfg.Telemetry.Metrics}, registry)

	client := openai.NewClient(cfg.Backend.APIKey,
		openai.WithBaseURL(cfg.Backend.BaseURL),
		openai.WithHTTPClient(openai.NewPooledHTTPClient(cfg.Backend.MaxIdleConns, cfg.Backend.Timeout)),
	)

	catalog := provider.NewCatalog(catalogEntries(cfg))
	chat := provider.New(client,
		provider.WithTokenRegistry(tokens.NewDefaultRegistry()),
		provider.WithMetrics(collector),
		provider.WithCatalog(catalog),
		provider.WithIncludeUsage(cfg.Backend.IncludeUsage),
		provider.WithArgumentMode(translate.ParseArgumentMode(cfg.Stream.ToolArguments)),
		provider.WithLogger(logger),
	)

	if cfg.Watch {
		watcher, err := config.Watch(cmd.String("config"), logger, func(next *config.Config) {
			catalog.Set(catalogEntries(next))
			logger.Info("model list reloaded", slog.Int("models", len(next.Models)))
		})
		if err != nil {
			logger.Warn("config watch disabled", slog.String("error", err.Error()))
		} else {
			defer watcher.Close()
		}
	}

	srv := server.New(cfg.Server.Addr(), logger)
	ollama.NewHandler(ollama.Config{
		Provider:       chat,
		Catalog:        catalog,
		Metrics:        collector,
		RequestTimeout: cfg.Server.RequestTimeout,
		Version:        version,
		Logger:         logger,
	}).Mount(srv.Router)
	if cfg.Telemetry.Metrics {
		srv.Router.Handle("/metrics", collector.Handler())
	}

	logger.Info("gateway configured",
		slog.String("backend", client.BaseURL()),
		slog.String("tool_arguments", cfg.Stream.ToolArguments),
		slog.Int("models", len(cfg.Models)),
		slog.Bool("tracing", cfg.Telemetry.Tracing),
		slog.Bool("metrics", cfg.Telemetry.Metrics),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil {
		return err
	}
	logger.Info("gateway shutdown complete")
	return nil
}

// applyFlags lets explicitly set command-line flags win over file and
// environment values.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = cmd.Int("port")
	}
	if cmd.IsSet("backend-url") {
		cfg.Backend.BaseURL = cmd.String("backend-url")
	}
	if cmd.IsSet("log-level") {
		cfg.Logging.Level = cmd.String("log-level")
	}
}

func catalogEntries(cfg *config.Config) []provider.ModelEntry {
	entries := make([]provider.ModelEntry, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		entries = append(entries, provider.ModelEntry{
			Name:         m.Name,
			BackendModel: m.BackendModel,
			Size:         m.Size,
		})
	}
	return entries
}
