package chat

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/ambiguity"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/metrics"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/server"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/tenant"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/topics"
)

// turn carries the state of one request once it has passed rate limiting.
type turn struct {
	ctx    context.Context
	req    *Request
	tenant *tenant.Tenant

	// composed is the client conversation with the tenant system prompt
	// applied. It keys the cache; the ambiguity annotation is not part of it.
	composed domain.Conversation

	ambiguity       chan domain.AmbiguousExpression
	cancelAmbiguity context.CancelFunc
}

// newTurn composes the system prompt and starts ambiguity detection, which
// runs while the cache is consulted.
func (h *Handler) newTurn(r *http.Request, req *Request, t *tenant.Tenant) *turn {
	ctx := r.Context()
	tn := &turn{
		ctx:       ctx,
		req:       req,
		tenant:    t,
		composed:  req.Messages.WithSystemPrompt(ComposeSystemPrompt(t, req.UserContext)),
		ambiguity: make(chan domain.AmbiguousExpression, 1),
	}

	actx, cancel := context.WithCancel(ctx)
	tn.cancelAmbiguity = cancel
	go func() {
		defer cancel()
		tn.ambiguity <- h.detectAmbiguity(actx, req.Messages, t)
	}()
	return tn
}

func (h *Handler) detectAmbiguity(ctx context.Context, conv domain.Conversation, t *tenant.Tenant) domain.AmbiguousExpression {
	if !ambiguity.ShouldDetect(conv) {
		return domain.AmbiguousExpression{}
	}
	result, err := h.detector.Detect(ctx, conv, t)
	if ctx.Err() != nil {
		// Abandoned after a cache hit or client disconnect.
		return domain.AmbiguousExpression{}
	}
	h.metrics.RecordEnrichment(metrics.CallAmbiguity, err)
	if err != nil {
		h.logger.Warn("ambiguity detection failed",
			slog.String("tenant_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
	return result
}

// dispatchConversation waits for ambiguity detection and returns the
// conversation to send upstream, plus the detection result when something
// was detected.
func (t *turn) dispatchConversation() (domain.Conversation, *domain.AmbiguousExpression) {
	var result domain.AmbiguousExpression
	select {
	case result = <-t.ambiguity:
	case <-t.ctx.Done():
		return t.composed, nil
	}

	conv := t.composed
	if note, ok := ambiguity.Annotation(result); ok {
		system := conv[conv.SystemIndex()].Content
		conv = conv.WithSystemPrompt(system + "\n\n" + note)
		server.AddLogField(t.ctx, "ambiguous_expression", result.Expression)
	}
	if !result.Detected {
		return conv, nil
	}
	return conv, &result
}

// chatRequest builds the main completion request for conv.
func (t *turn) chatRequest(conv domain.Conversation) *domain.CompletionRequest {
	temp := t.tenant.API.Temperature
	return &domain.CompletionRequest{
		Model:       t.tenant.API.ChatModel,
		Messages:    conv,
		Temperature: &temp,
		MaxTokens:   t.tenant.API.MaxTokens,
	}
}

func (h *Handler) recordPromptTokens(ctx context.Context, req *domain.CompletionRequest) {
	count := h.counter.Conversation(req.Model, req.Messages)
	h.metrics.PromptTokens.WithLabelValues(req.Model).Observe(float64(count.Tokens))
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("chat.model", req.Model),
		attribute.Int("chat.prompt_tokens", count.Tokens),
		attribute.Bool("chat.prompt_tokens_estimated", count.Estimated),
	)
}

// extractTopics applies the skip policy and runs extraction. It never fails.
func (h *Handler) extractTopics(ctx context.Context, t *turn, response string) []string {
	if !topics.ShouldExtract(t.req.Messages, response) {
		return []string{}
	}
	labels, err := h.extractor.Extract(ctx, t.req.Messages, response, t.tenant)
	h.metrics.RecordEnrichment(metrics.CallTopics, err)
	if err != nil {
		h.logger.Warn("topic extraction failed",
			slog.String("tenant_id", t.tenant.ID),
			slog.String("error", err.Error()),
		)
	}
	return labels
}

func (t *turn) genericMessage() string {
	return t.tenant.Template("errors", "generic", fallbackGenericMessage)
}
