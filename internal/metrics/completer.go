package metrics

import (
	"context"
	"time"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
)

// Upstream call labels.
const (
	CallChat      = "chat"
	CallInitial   = "initial"
	CallAmbiguity = "ambiguity"
	CallTopics    = "topics"
)

type instrumented struct {
	domain.Completer
	m    *Metrics
	call string
}

// InstrumentCompleter records the duration of every call made through c
// under the given call label. For streams the time to open is recorded.
func InstrumentCompleter(c domain.Completer, m *Metrics, call string) domain.Completer {
	return &instrumented{Completer: c, m: m, call: call}
}

func (i *instrumented) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	start := time.Now()
	resp, err := i.Completer.Complete(ctx, req)
	i.m.RecordUpstream(i.call, err, time.Since(start))
	return resp, err
}

func (i *instrumented) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.CompletionEvent, error) {
	start := time.Now()
	ch, err := i.Completer.Stream(ctx, req)
	i.m.RecordUpstream(i.call, err, time.Since(start))
	return ch, err
}
