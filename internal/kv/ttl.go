package kv

import (
	"context"
	"log/slog"
	"time"
)

const sweepInterval = 5 * time.Minute

// StartTTLWorker runs a background goroutine that periodically sweeps
// expired sessions, queue rows, and rate-limit counters from store.
// Since every row already carries its own expires_at, the sweep is a
// housekeeping pass only — reads never depend on it having run.
func StartTTLWorker(ctx context.Context, store Store) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("kv TTL worker started", "interval", sweepInterval)

		for {
			select {
			case <-ticker.C:
				if err := store.Sweep(ctx); err != nil {
					slog.Error("kv TTL worker sweep failed", "error", err)
				}
			case <-ctx.Done():
				slog.Info("kv TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
