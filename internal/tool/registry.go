// Package tool implements the Executor's tool registry: a mapping from
// tool name to a handler exposing validate-args and invoke operations.
// An unknown tool name yields ErrNotFound without ever reaching a
// handler's invoke step.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/toolrelay/relay/internal/domain"
)

// ErrNotFound is returned by Registry.Invoke when no tool is registered
// under the requested name.
var ErrNotFound = errors.New("tool: not found")

// ErrInvalidArgs wraps a schema validation failure; the executor
// surfaces this as an invalid_args response without invoking the tool.
type ErrInvalidArgs struct {
	Tool   string
	Reason error
}

func (e *ErrInvalidArgs) Error() string {
	return fmt.Sprintf("tool %s: invalid args: %v", e.Tool, e.Reason)
}

func (e *ErrInvalidArgs) Unwrap() error { return e.Reason }

// Handler is a tool's invoke operation, typed over its argument struct.
type Handler[In any] func(ctx context.Context, args In) ([]domain.ContentItem, error)

// entry is a type-erased registered tool: validate-args and invoke are
// closed over the concrete argument type at Register time.
type entry struct {
	schema   *jsonschema.Schema
	resolved *jsonschema.Resolved
	newArgs  func() any
	invoke   func(ctx context.Context, args any) ([]domain.ContentItem, error)
}

// Registry is the Executor's tool name -> handler mapping.
type Registry struct {
	tools map[string]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool under name, inferring its JSON schema from In's
// struct tags via jsonschema-go. It panics on a malformed In type or a
// duplicate name — both are programmer errors caught at wiring time,
// not request-handling time.
func Register[In any](r *Registry, name string, h Handler[In]) {
	if _, exists := r.tools[name]; exists {
		panic(fmt.Sprintf("tool: duplicate registration for %q", name))
	}

	schema, err := jsonschema.For[In](nil)
	if err != nil {
		panic(fmt.Sprintf("tool: infer schema for %q: %v", name, err))
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		panic(fmt.Sprintf("tool: resolve schema for %q: %v", name, err))
	}

	r.tools[name] = entry{
		schema:   schema,
		resolved: resolved,
		newArgs:  func() any { var x In; return &x },
		invoke: func(ctx context.Context, args any) ([]domain.ContentItem, error) {
			return h(ctx, *args.(*In))
		},
	}
}

// Has reports whether name is registered. The Executor does not call
// it; it relies on Invoke returning ErrNotFound for an unknown name.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Invoke validates rawArgs against name's schema and, if valid, runs
// the tool. Returns ErrNotFound for an unregistered name and
// *ErrInvalidArgs for a schema mismatch; any other error is the tool's
// own execution_error.
func (r *Registry) Invoke(ctx context.Context, name string, rawArgs json.RawMessage) ([]domain.ContentItem, error) {
	e, ok := r.tools[name]
	if !ok {
		return nil, ErrNotFound
	}

	args := e.newArgs()
	if len(rawArgs) == 0 {
		rawArgs = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(rawArgs))
	dec.DisallowUnknownFields()
	if err := dec.Decode(args); err != nil {
		return nil, &ErrInvalidArgs{Tool: name, Reason: err}
	}
	if err := e.resolved.ApplyDefaults(args); err != nil {
		return nil, &ErrInvalidArgs{Tool: name, Reason: err}
	}
	if err := e.resolved.Validate(args); err != nil {
		return nil, &ErrInvalidArgs{Tool: name, Reason: err}
	}

	return e.invoke(ctx, args)
}
