package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/domain"
	"github.com/toolrelay/relay/internal/tool"
)

func newTestExecutor(t *testing.T, registry *tool.Registry) (*Executor, chan domain.RequestEnvelope, <-chan domain.ResponseEnvelope) {
	t.Helper()
	in := make(chan domain.RequestEnvelope, 8)
	breaker := NewCircuitBreaker(5, 30*time.Second, 15*time.Second)
	exec, out := NewExecutor(registry, breaker, config.ExecutorConfig{InvocationTimeout: time.Second}, in)
	return exec, in, out
}

func TestExecutorRunsEchoInOrder(t *testing.T) {
	registry := tool.NewRegistry()
	tool.RegisterEcho(registry)
	exec, in, out := newTestExecutor(t, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.Run(ctx)

	in <- domain.RequestEnvelope{Code: "C", ID: "1", Tool: "echo", Args: json.RawMessage(`{"text":"one"}`)}
	in <- domain.RequestEnvelope{Code: "C", ID: "2", Tool: "echo", Args: json.RawMessage(`{"text":"two"}`)}

	first := <-out
	second := <-out
	if first.ID != "1" || first.Result.Content[0].Text != "one" {
		t.Fatalf("unexpected first response: %+v", first)
	}
	if second.ID != "2" || second.Result.Content[0].Text != "two" {
		t.Fatalf("unexpected second response: %+v", second)
	}
}

func TestExecutorUnknownToolProducesToolNotFound(t *testing.T) {
	registry := tool.NewRegistry()
	exec, in, out := newTestExecutor(t, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.Run(ctx)

	in <- domain.RequestEnvelope{Code: "C", ID: "1", Tool: "nope"}
	resp := <-out
	if resp.Reason != ReasonToolNotFound {
		t.Fatalf("expected %s, got %s", ReasonToolNotFound, resp.Reason)
	}
}

func TestExecutorInvalidArgsProducesInvalidArgsReason(t *testing.T) {
	registry := tool.NewRegistry()
	tool.RegisterEcho(registry)
	exec, in, out := newTestExecutor(t, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.Run(ctx)

	in <- domain.RequestEnvelope{Code: "C", ID: "1", Tool: "echo", Args: json.RawMessage(`{"text":1}`)}
	resp := <-out
	if resp.Reason != ReasonInvalidArgs {
		t.Fatalf("expected %s, got %s", ReasonInvalidArgs, resp.Reason)
	}
}

func TestExecutorClosesOutputWhenInputCloses(t *testing.T) {
	registry := tool.NewRegistry()
	tool.RegisterEcho(registry)
	exec, in, out := newTestExecutor(t, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.Run(ctx)

	close(in)
	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected no responses")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for output channel to close")
	}
}
