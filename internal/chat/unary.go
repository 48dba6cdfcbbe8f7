package chat

import (
	"log/slog"
	"net/http"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/metrics"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/server"
)

func (h *Handler) serveUnary(w http.ResponseWriter, t *turn) string {
	ctx := t.ctx

	entry, hit, err := h.cache.Get(ctx, t.composed)
	if err != nil {
		h.logger.Warn("cache lookup failed", slog.String("error", err.Error()))
		hit = false
	}
	h.metrics.RecordCacheLookup(hit)
	if hit {
		t.cancelAmbiguity()
		server.AddLogField(ctx, "cache", "hit")
		writeJSON(w, http.StatusOK, Response{
			Message:   entry.Message,
			Topics:    entry.Topics,
			FromCache: true,
		})
		return metrics.OutcomeCached
	}
	server.AddLogField(ctx, "cache", "miss")

	conv, detected := t.dispatchConversation()
	req := t.chatRequest(conv)
	h.recordPromptTokens(ctx, req)

	resp, err := h.chat.Complete(ctx, req)
	if err != nil {
		h.logger.Error("completion failed",
			slog.String("tenant_id", t.tenant.ID),
			slog.String("error", err.Error()),
		)
		outcome := metrics.OutcomeError
		if ctx.Err() != nil {
			outcome = metrics.OutcomeCanceled
		}
		h.writeError(ctx, w, domain.ErrServer(t.genericMessage()).WithCause(err))
		return outcome
	}

	msg := domain.Turn{Role: domain.RoleAssistant, Content: resp.Message.Content}
	labels := h.extractTopics(ctx, t, msg.Content)

	if err := h.cache.Put(ctx, t.composed, msg, labels); err != nil {
		h.logger.Warn("cache write failed", slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusOK, Response{
		Message:             msg,
		Topics:              labels,
		AmbiguousExpression: detected,
	})
	return metrics.OutcomeSuccess
}
