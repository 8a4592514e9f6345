package tool

import (
	"context"

	"github.com/toolrelay/relay/internal/domain"
)

// EchoArgs is the echo tool's argument shape: a single text field
// round-tripped unchanged into the response content.
type EchoArgs struct {
	Text string `json:"text" jsonschema:"the text to echo back"`
}

// RegisterEcho adds the echo tool, used by the end-to-end seed
// scenario to exercise the full request/response path without a
// sandboxed dependency.
func RegisterEcho(r *Registry) {
	Register(r, "echo", func(_ context.Context, args EchoArgs) ([]domain.ContentItem, error) {
		return domain.TextContent(args.Text), nil
	})
}
