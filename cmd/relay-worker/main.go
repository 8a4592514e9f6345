// Tool Relay worker — subscribes to a relay session, executes tools
// against the host API, and posts results back.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/tool"
	"github.com/toolrelay/relay/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("Failed to load worker configuration", "error", err)
		os.Exit(1)
	}

	registry := tool.NewRegistry()
	tool.RegisterEcho(registry)
	if sandbox, err := tool.NewSandbox(); err != nil {
		slog.Warn("shell.exec unavailable: docker client init failed", "error", err)
	} else {
		tool.RegisterShellExec(registry, sandbox)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = sandbox.Close(closeCtx)
		}()
	}

	w := worker.New(cfg, registry)
	slog.SetDefault(logger.With("worker_id", w.Supervisor().WorkerID()))

	var statusServer *http.Server
	if cfg.Supervisor.StatusAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/status", w.Supervisor().ServeStatus)
		statusServer = &http.Server{Addr: cfg.Supervisor.StatusAddr, Handler: mux}
		go func() {
			slog.Info("Status endpoint listening", "addr", cfg.Supervisor.StatusAddr)
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Status server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Worker starting", "relay", cfg.RelayBaseURL, "session", cfg.SessionCode)
	w.Run(ctx)

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statusServer.Shutdown(shutdownCtx)
	}

	slog.Info("Worker stopped")
}
