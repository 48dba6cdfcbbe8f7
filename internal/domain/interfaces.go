package domain

import (
	"context"
)

// Completer defines the interface for the upstream completion service.
type Completer interface {
	Name() string

	// Complete handles unary requests (non-streaming)
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Stream returns a channel of content deltas.
	// The channel MUST be closed by the completer when done.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan CompletionEvent, error)
}
