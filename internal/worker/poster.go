package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/domain"
)

// Poster delivers ResponseEnvelopes to /response in the order the
// Executor produced them, retrying transient failures and routing
// permanent ones to the dead-letter list.
type Poster struct {
	client  *relayClient
	cfg     config.PosterConfig
	limiter *rate.Limiter
	breaker *CircuitBreaker // guards the response endpoint dependency

	in <-chan domain.ResponseEnvelope

	mu          sync.Mutex
	deadLetters []domain.DeadLetter
	pause       time.Duration

	lastProgress atomic.Int64
	errorCount   atomic.Int64
	postedCount  atomic.Int64
	latencySumNs atomic.Int64
}

// NewPoster builds a Poster reading from in. The token bucket's rate
// matches the server's per-code limit so a well-behaved worker almost
// never sees 429 in steady state.
func NewPoster(baseURL, code string, breaker *CircuitBreaker, cfg config.PosterConfig, in <-chan domain.ResponseEnvelope) *Poster {
	ratePerSec := float64(cfg.RateCapPerMin) / 60.0
	p := &Poster{
		client:  newRelayClient(baseURL, code),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), maxInt(1, cfg.RateCapPerMin/4)),
		breaker: breaker,
		in:      in,
		pause:   cfg.BaseDelay,
	}
	p.lastProgress.Store(time.Now().UnixNano())
	return p
}

func (p *Poster) LastProgress() time.Time { return time.Unix(0, p.lastProgress.Load()) }
func (p *Poster) ErrorCount() int64       { return p.errorCount.Load() }

// DeadLetters returns a snapshot of permanently failed postings.
func (p *Poster) DeadLetters() []domain.DeadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.DeadLetter, len(p.deadLetters))
	copy(out, p.deadLetters)
	return out
}

// SuccessRate and AvgLatency feed the Supervisor's health snapshot.
func (p *Poster) SuccessRate() float64 {
	posted := p.postedCount.Load()
	failed := p.errorCount.Load()
	total := posted + failed
	if total == 0 {
		return 1
	}
	return float64(posted) / float64(total)
}

func (p *Poster) AvgLatency() time.Duration {
	posted := p.postedCount.Load()
	if posted == 0 {
		return 0
	}
	return time.Duration(p.latencySumNs.Load() / posted)
}

// Run batches up to cfg.BatchSize responses arriving within
// cfg.BatchWindow of the first one, then posts each in that batch
// individually and in order (the relay endpoint accepts single items
// only, so batching only amortizes the wait — it never changes wire
// shape or ordering).
func (p *Poster) Run(ctx context.Context) {
	for {
		batch, ok := p.collectBatch(ctx)
		for _, resp := range batch {
			if err := p.postWithRetry(ctx, resp); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("poster: unexpected post failure", "error", err)
			}
		}
		if !ok {
			return
		}
	}
}

func (p *Poster) collectBatch(ctx context.Context) ([]domain.ResponseEnvelope, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case first, ok := <-p.in:
		if !ok {
			return nil, false
		}
		batch := []domain.ResponseEnvelope{first}
		deadline := time.NewTimer(p.cfg.BatchWindow)
		defer deadline.Stop()

		for len(batch) < p.cfg.BatchSize {
			select {
			case <-ctx.Done():
				return batch, false
			case resp, ok := <-p.in:
				if !ok {
					return batch, false
				}
				batch = append(batch, resp)
			case <-deadline.C:
				return batch, true
			}
		}
		return batch, true
	}
}

// postWithRetry delivers one response, retrying transient failures
// with exponential backoff honoring Retry-After, up to MaxAttempts.
// Permanent failures and exhausted retries both land in the
// dead-letter list rather than being returned as an error.
func (p *Poster) postWithRetry(ctx context.Context, resp domain.ResponseEnvelope) error {
	if !p.breaker.Allow() {
		p.deadLetter(resp, "response endpoint circuit breaker open")
		return nil
	}

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		start := time.Now()
		err := p.client.PostResponse(ctx, resp)
		if err == nil {
			p.breaker.RecordSuccess()
			p.postedCount.Add(1)
			p.latencySumNs.Add(int64(time.Since(start)))
			p.lastProgress.Store(time.Now().UnixNano())
			p.pause = p.cfg.BaseDelay
			return nil
		}

		var pe *postError
		if errors.As(err, &pe) && !pe.Transient() {
			p.errorCount.Add(1)
			p.breaker.RecordFailure()
			p.deadLetter(resp, err.Error())
			return nil
		}

		p.errorCount.Add(1)
		p.breaker.RecordFailure()

		delay := p.nextPause(pe)
		slog.Warn("poster retrying", "attempt", attempt, "id", resp.ID, "delay", delay, "error", err)

		if attempt == p.cfg.MaxAttempts {
			p.deadLetter(resp, "exhausted retries: "+err.Error())
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

// nextPause doubles the poster's current pause (capped), honoring an
// explicit Retry-After from a 429 response when present.
func (p *Poster) nextPause(pe *postError) time.Duration {
	if pe != nil && pe.RetryAfter > 0 {
		p.pause = pe.RetryAfter
		return p.pause
	}
	p.pause *= 2
	if p.pause > p.cfg.CapDelay {
		p.pause = p.cfg.CapDelay
	}
	return p.pause
}

func (p *Poster) deadLetter(resp domain.ResponseEnvelope, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadLetters = append(p.deadLetters, domain.DeadLetter{
		Code:     resp.Code,
		ID:       resp.ID,
		Reason:   reason,
		FailedAt: time.Now(),
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
