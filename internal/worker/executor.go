package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/domain"
	"github.com/toolrelay/relay/internal/tool"
)

// Error kinds the Executor attaches to a failed ResponseEnvelope's
// Reason field, named exactly as the error taxonomy's categories. The
// Supervisor and the dead-letter list do not read them; they travel to
// the producer on the envelope.
const (
	ReasonToolNotFound = "tool_not_found"
	ReasonInvalidArgs  = "invalid_args"
	ReasonExecution    = "execution_error"
	ReasonTimeout      = "timeout"
)

// Executor runs tools against the registry strictly one at a time,
// preserving the Subscriber's delivery order into the Poster's input.
type Executor struct {
	registry *tool.Registry
	breaker  *CircuitBreaker // guards the host tool API dependency
	cfg      config.ExecutorConfig

	in  <-chan domain.RequestEnvelope
	out chan domain.ResponseEnvelope

	lastProgress atomic.Int64
	errorCount   atomic.Int64
}

// NewExecutor builds an Executor reading from in and writing completed
// responses to the returned channel, in the same order they arrived.
func NewExecutor(registry *tool.Registry, breaker *CircuitBreaker, cfg config.ExecutorConfig, in <-chan domain.RequestEnvelope) (*Executor, <-chan domain.ResponseEnvelope) {
	out := make(chan domain.ResponseEnvelope, 256)
	e := &Executor{
		registry: registry,
		breaker:  breaker,
		cfg:      cfg,
		in:       in,
		out:      out,
	}
	e.lastProgress.Store(time.Now().UnixNano())
	return e, out
}

func (e *Executor) LastProgress() time.Time { return time.Unix(0, e.lastProgress.Load()) }
func (e *Executor) ErrorCount() int64       { return e.errorCount.Load() }

// Run drains e.in one request at a time until the channel closes
// (Subscriber stopped) or ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.out)

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-e.in:
			if !ok {
				return
			}
			resp := e.execute(ctx, req)
			e.lastProgress.Store(time.Now().UnixNano())
			select {
			case e.out <- resp:
			case <-ctx.Done():
				return
			}
		}
	}
}

// execute runs a single request to completion (or timeout) and always
// produces a ResponseEnvelope — never an error return — since a failed
// tool invocation is itself a valid, postable response.
func (e *Executor) execute(ctx context.Context, req domain.RequestEnvelope) domain.ResponseEnvelope {
	if !e.breaker.Allow() {
		return e.errorResponse(req, ReasonExecution, "host tool API circuit breaker open")
	}

	timeout := e.cfg.InvocationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct {
		content []domain.ContentItem
		err     error
	}, 1)

	go func() {
		content, err := e.registry.Invoke(invokeCtx, req.Tool, req.Args)
		done <- struct {
			content []domain.ContentItem
			err     error
		}{content, err}
	}()

	select {
	case <-invokeCtx.Done():
		e.breaker.RecordFailure()
		e.errorCount.Add(1)
		slog.Warn("executor invocation timed out", "tool", req.Tool, "id", req.ID)
		return e.errorResponse(req, ReasonTimeout, "tool invocation exceeded its deadline")
	case result := <-done:
		return e.classify(req, result.content, result.err)
	}
}

func (e *Executor) classify(req domain.RequestEnvelope, content []domain.ContentItem, err error) domain.ResponseEnvelope {
	if err == nil {
		e.breaker.RecordSuccess()
		return domain.ResponseEnvelope{
			Code:     req.Code,
			ID:       req.ID,
			Result:   domain.ResponseResult{Content: content},
			PostedAt: time.Now(),
		}
	}

	e.errorCount.Add(1)

	if errors.Is(err, tool.ErrNotFound) {
		return e.errorResponse(req, ReasonToolNotFound, err.Error())
	}
	var invalidArgs *tool.ErrInvalidArgs
	if errors.As(err, &invalidArgs) {
		return e.errorResponse(req, ReasonInvalidArgs, err.Error())
	}

	e.breaker.RecordFailure()
	return e.errorResponse(req, ReasonExecution, err.Error())
}

func (e *Executor) errorResponse(req domain.RequestEnvelope, reason, message string) domain.ResponseEnvelope {
	return domain.ResponseEnvelope{
		Code: req.Code,
		ID:   req.ID,
		Result: domain.ResponseResult{
			Content: domain.TextContent(message),
		},
		PostedAt: time.Now(),
		Reason:   reason,
	}
}
