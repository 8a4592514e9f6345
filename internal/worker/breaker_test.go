package worker

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		if !cb.Allow() {
			t.Fatalf("expected closed breaker to allow call %d", i)
		}
		cb.RecordFailure()
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("expected still closed below threshold, got %s", cb.State())
	}

	cb.RecordFailure() // third failure trips it
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open after threshold failures, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected open breaker to reject calls before cooldown")
	}
}

func TestCircuitBreakerHalfOpenProbeSucceeds(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, 5*time.Millisecond)
	cb.RecordFailure() // opens immediately at threshold 1

	time.Sleep(10 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected cooldown to have elapsed, allowing a probe")
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after probe admitted, got %s", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenProbeFails(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, 5*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	cb.Allow() // admits the probe, transitions to half-open

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("expected reopened after failed probe, got %s", cb.State())
	}
}

func TestCircuitBreakerFailuresOutsideWindowDontAccumulate(t *testing.T) {
	cb := NewCircuitBreaker(2, 5*time.Millisecond, time.Minute)
	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	cb.RecordFailure()
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed since failures fell outside the rolling window, got %s", cb.State())
	}
}
