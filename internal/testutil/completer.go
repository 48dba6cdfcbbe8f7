package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
)

// FakeCompleter is a scripted domain.Completer. Handlers are chosen per call
// by the request model; unset handlers fail the call.
type FakeCompleter struct {
	CompleteFunc func(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error)
	StreamFunc   func(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.CompletionEvent, error)

	mu       sync.Mutex
	requests []domain.CompletionRequest
	streams  []domain.CompletionRequest
}

var _ domain.Completer = (*FakeCompleter)(nil)

// ErrNotScripted is returned by calls with no handler.
var ErrNotScripted = errors.New("fake completer: call not scripted")

func (f *FakeCompleter) Name() string { return "fake" }

func (f *FakeCompleter) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, cloneRequest(req))
	f.mu.Unlock()

	if f.CompleteFunc == nil {
		return nil, ErrNotScripted
	}
	return f.CompleteFunc(ctx, req)
}

func (f *FakeCompleter) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.CompletionEvent, error) {
	f.mu.Lock()
	f.streams = append(f.streams, cloneRequest(req))
	f.mu.Unlock()

	if f.StreamFunc == nil {
		return nil, ErrNotScripted
	}
	return f.StreamFunc(ctx, req)
}

// CompleteCalls returns a snapshot of requests passed to Complete.
func (f *FakeCompleter) CompleteCalls() []domain.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CompletionRequest(nil), f.requests...)
}

// StreamCalls returns a snapshot of requests passed to Stream.
func (f *FakeCompleter) StreamCalls() []domain.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CompletionRequest(nil), f.streams...)
}

// CallsFor counts Complete calls made with model.
func (f *FakeCompleter) CallsFor(model string) int {
	n := 0
	for _, r := range f.CompleteCalls() {
		if r.Model == model {
			n++
		}
	}
	return n
}

// Reply builds a CompleteFunc that always answers with content.
func Reply(content string) func(context.Context, *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	return func(context.Context, *domain.CompletionRequest) (*domain.CompletionResponse, error) {
		return &domain.CompletionResponse{
			Message:      domain.Turn{Role: domain.RoleAssistant, Content: content},
			FinishReason: "stop",
		}, nil
	}
}

// Deltas builds a StreamFunc that emits each delta then a stop event.
func Deltas(deltas ...string) func(context.Context, *domain.CompletionRequest) (<-chan domain.CompletionEvent, error) {
	return func(ctx context.Context, _ *domain.CompletionRequest) (<-chan domain.CompletionEvent, error) {
		ch := make(chan domain.CompletionEvent)
		go func() {
			defer close(ch)
			for _, d := range deltas {
				select {
				case ch <- domain.CompletionEvent{ContentDelta: d}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- domain.CompletionEvent{FinishReason: "stop"}:
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}
}

func cloneRequest(req *domain.CompletionRequest) domain.CompletionRequest {
	out := *req
	out.Messages = req.Messages.Clone()
	return out
}
