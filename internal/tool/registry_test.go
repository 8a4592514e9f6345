package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestEchoRoundTrip(t *testing.T) {
	r := NewRegistry()
	RegisterEcho(r)

	content, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(content) != 1 || content[0].Text != "hello" {
		t.Fatalf("unexpected content: %+v", content)
	}
}

func TestInvokeUnknownToolReturnsNotFound(t *testing.T) {
	r := NewRegistry()
	RegisterEcho(r)

	_, err := r.Invoke(context.Background(), "nope", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvokeRejectsUnknownFields(t *testing.T) {
	r := NewRegistry()
	RegisterEcho(r)

	_, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi","bogus":1}`))
	var invalid *ErrInvalidArgs
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
}

func TestInvokeEmptyArgsDefaultsToEmptyObject(t *testing.T) {
	r := NewRegistry()
	RegisterEcho(r)

	content, err := r.Invoke(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(content) != 1 || content[0].Text != "" {
		t.Fatalf("unexpected content: %+v", content)
	}
}

func TestHasReflectsRegistration(t *testing.T) {
	r := NewRegistry()
	if r.Has("echo") {
		t.Fatal("expected echo unregistered")
	}
	RegisterEcho(r)
	if !r.Has("echo") {
		t.Fatal("expected echo registered")
	}
}
