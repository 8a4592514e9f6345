package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.SessionTTL != 3600*time.Second {
		t.Errorf("expected session TTL 3600s, got %v", cfg.SessionTTL)
	}
	if cfg.StreamDeadline != 600*time.Second {
		t.Errorf("expected stream deadline 600s, got %v", cfg.StreamDeadline)
	}
}

func TestValidateRejectsEmptyPort(t *testing.T) {
	cfg := &RelayConfig{DBPath: "x.db", SessionTTL: time.Second, StreamDeadline: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty port")
	}
}

func TestLoadRateLimitDefaults(t *testing.T) {
	rl := LoadRateLimit()
	if rl.SessionsPerIP != 30 || rl.RequestsPerCode != 60 || rl.ResponsesPerCode != 60 {
		t.Errorf("unexpected rate limit defaults: %+v", rl)
	}
	if rl.Window != 60*time.Second {
		t.Errorf("expected 60s window, got %v", rl.Window)
	}
}

func TestLoadWorkerDefaults(t *testing.T) {
	cfg, err := LoadWorker()
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}
	if cfg.Reconnect.MaxFailures != 5 {
		t.Errorf("expected 5 max failures, got %d", cfg.Reconnect.MaxFailures)
	}
	if cfg.Reconnect.CapDelay != 30*time.Second {
		t.Errorf("expected 30s cap delay, got %v", cfg.Reconnect.CapDelay)
	}
	if cfg.Poster.RateCapPerMin != 60 {
		t.Errorf("expected 60/min rate cap, got %d", cfg.Poster.RateCapPerMin)
	}
}
