// Package worker implements the browser-side actor set: Subscriber,
// Executor, Poster, and Supervisor, cooperating over plain Go channels
// under a single cancellation signal.
package worker

import (
	"context"
	"sync"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/tool"
)

// Worker wires the four sub-actors together and runs them until a
// single stop signal cancels all of them at once.
type Worker struct {
	cfg        *config.WorkerConfig
	registry   *tool.Registry
	supervisor *Supervisor
	subscriber *Subscriber
	executor   *Executor
	poster     *Poster
}

// New builds a Worker wired against baseURL/sessionCode with the
// given tool registry. The registry is expected to already carry
// every tool this deployment exposes (echo, shell.exec, ...).
func New(cfg *config.WorkerConfig, registry *tool.Registry) *Worker {
	sv := NewSupervisor(cfg.Supervisor)

	sub, requests := NewSubscriber(cfg.RelayBaseURL, cfg.SessionCode, cfg.Reconnect, sv.StreamBreaker())
	exec, responses := NewExecutor(registry, sv.HostBreaker(), cfg.Executor, requests)
	post := NewPoster(cfg.RelayBaseURL, cfg.SessionCode, sv.ResponseBreaker(), cfg.Poster, responses)

	sv.Attach(sub, exec, post, func() int { return len(requests) })

	return &Worker{
		cfg:        cfg,
		registry:   registry,
		supervisor: sv,
		subscriber: sub,
		executor:   exec,
		poster:     post,
	}
}

// Supervisor exposes the wired Supervisor so cmd/relay-worker can
// mount its status endpoint on an HTTP server.
func (w *Worker) Supervisor() *Supervisor { return w.supervisor }

// Run starts all four actors and blocks until ctx is cancelled,
// waiting for each to release its resources before returning.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)

	go func() { defer wg.Done(); w.subscriber.Run(ctx) }()
	go func() { defer wg.Done(); w.executor.Run(ctx) }()
	go func() { defer wg.Done(); w.poster.Run(ctx) }()
	go func() { defer wg.Done(); w.supervisor.Run(ctx) }()

	wg.Wait()
}
