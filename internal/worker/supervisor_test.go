package worker

import (
	"testing"
	"time"

	"github.com/toolrelay/relay/internal/config"
)

func TestSupervisorSnapshotWithoutAttachedActors(t *testing.T) {
	sv := NewSupervisor(config.SupervisorConfig{FailureThreshold: 5, FailureWindow: 30 * time.Second, OpenCooldown: 15 * time.Second})
	snap := sv.Snapshot()
	if snap.Breakers["stream"] != BreakerClosed {
		t.Fatalf("expected fresh breaker closed, got %s", snap.Breakers["stream"])
	}
}

func TestSupervisorSnapshotReflectsBreakerState(t *testing.T) {
	sv := NewSupervisor(config.SupervisorConfig{FailureThreshold: 1, FailureWindow: 30 * time.Second, OpenCooldown: 15 * time.Second})
	sv.HostBreaker().RecordFailure()

	snap := sv.Snapshot()
	if snap.Breakers["host"] != BreakerOpen {
		t.Fatalf("expected host breaker open, got %s", snap.Breakers["host"])
	}
}
