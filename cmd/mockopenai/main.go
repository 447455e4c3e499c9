package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/gaoyifan/openai2ollama/internal/logging"
	"github.com/gaoyifan/openai2ollama/internal/mockbackend"
)

func main() {
	cmd := &cli.Command{
		Name:  "mockopenai",
		Usage: "serve a canned OpenAI-compatible chat backend for local testing",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "address to listen on"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8001, Usage: "port to listen on"},
			&cli.DurationFlag{Name: "delay", Value: 50 * time.Millisecond, Usage: "pause between streamed chunks"},
			&cli.StringFlag{Name: "log-format", Value: "text", Usage: "json or text"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger, err := logging.New(logging.Config{Level: "info", Format: cmd.String("log-format")})
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(cmd.String("host"), strconv.Itoa(cmd.Int("port")))
	srv := &http.Server{
		Addr: addr,
		Handler: mockbackend.New(
			mockbackend.WithChunkDelay(cmd.Duration("delay")),
			mockbackend.WithLogger(logger),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("mock backend listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
