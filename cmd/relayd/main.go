// Tool Relay — session-scoped request/response relay server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/kv"
	"github.com/toolrelay/relay/internal/relay"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	rateCfg := config.LoadRateLimit()

	slog.Info("Starting relay", "port", cfg.Port, "db_path", cfg.DBPath)

	store, err := kv.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize KV store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close KV store", "error", closeErr)
		}
	}()

	if err := store.Ping(context.Background()); err != nil {
		slog.Error("KV store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("KV store connected")

	handler := relay.NewHandler(store, cfg, rateCfg)
	router := relay.NewRouter(handler)

	// Note: SSE connections require long timeouts. WriteTimeout is left
	// at 0 so the stream handler's own 10-minute deadline is authoritative.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv.StartTTLWorker(ctx, store)

	go func() {
		slog.Info("Relay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Relay server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Relay forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Relay stopped successfully")
}
