package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/domain"
)

func testPosterConfig() config.PosterConfig {
	return config.PosterConfig{
		MaxAttempts:   3,
		BaseDelay:     5 * time.Millisecond,
		Factor:        2,
		CapDelay:      50 * time.Millisecond,
		RateCapPerMin: 6000,
		BatchSize:     10,
		BatchWindow:   10 * time.Millisecond,
	}
}

func TestPosterDeliversSuccessfully(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	in := make(chan domain.ResponseEnvelope, 4)
	breaker := NewCircuitBreaker(5, 30*time.Second, 15*time.Second)
	p := NewPoster(server.URL, "CODE1234", breaker, testPosterConfig(), in)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	in <- domain.ResponseEnvelope{Code: "CODE1234", ID: "r1"}
	close(in)
	<-done

	if received.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", received.Load())
	}
	if p.SuccessRate() != 1 {
		t.Fatalf("expected success rate 1, got %f", p.SuccessRate())
	}
}

func TestPosterDeadLettersPermanentFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	in := make(chan domain.ResponseEnvelope, 4)
	breaker := NewCircuitBreaker(5, 30*time.Second, 15*time.Second)
	p := NewPoster(server.URL, "CODE1234", breaker, testPosterConfig(), in)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	in <- domain.ResponseEnvelope{Code: "CODE1234", ID: "r1"}
	close(in)
	<-done

	dl := p.DeadLetters()
	if len(dl) != 1 || dl[0].ID != "r1" {
		t.Fatalf("expected one dead letter for r1, got %+v", dl)
	}
}

func TestPosterRetriesTransientThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	in := make(chan domain.ResponseEnvelope, 4)
	breaker := NewCircuitBreaker(5, 30*time.Second, 15*time.Second)
	p := NewPoster(server.URL, "CODE1234", breaker, testPosterConfig(), in)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	in <- domain.ResponseEnvelope{Code: "CODE1234", ID: "r1"}
	close(in)
	<-done

	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
	if len(p.DeadLetters()) != 0 {
		t.Fatal("expected no dead letters after eventual success")
	}
}

func TestPosterExhaustsRetriesToDeadLetter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	in := make(chan domain.ResponseEnvelope, 4)
	breaker := NewCircuitBreaker(5, 30*time.Second, 15*time.Second)
	p := NewPoster(server.URL, "CODE1234", breaker, testPosterConfig(), in)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	in <- domain.ResponseEnvelope{Code: "CODE1234", ID: "r1"}
	close(in)
	<-done

	if len(p.DeadLetters()) != 1 {
		t.Fatalf("expected exhausted retries to dead-letter, got %+v", p.DeadLetters())
	}
}

func TestMarshalStatusSnapshot(t *testing.T) {
	snap := StatusSnapshot{Channel: KindStream, Breakers: map[string]BreakerState{"stream": BreakerClosed}}
	if _, err := json.Marshal(snap); err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
}
