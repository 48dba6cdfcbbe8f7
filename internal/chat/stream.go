package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/metrics"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/server"
)

const (
	initialInstructions = "Reply with a brief one or two sentence acknowledgement of the user's latest message. " +
		"Do not give the full answer; a detailed response follows immediately."
	initialMaxTokens = 60

	// Separates the acknowledgement from the full answer on the client.
	initialSeparator = "\n\n"
)

func (h *Handler) serveStream(w http.ResponseWriter, t *turn) string {
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	sse := newSSEWriter(w)

	initial := h.startInitial(ctx, t)

	conv, _ := t.dispatchConversation()
	req := t.chatRequest(conv)
	h.recordPromptTokens(ctx, req)

	deltas, err := h.chat.Stream(ctx, req)
	if err != nil {
		return h.failStream(ctx, sse, t, err)
	}

	timer := time.NewTimer(h.initialTimeout)
	select {
	case text, ok := <-initial:
		if ok && text != "" {
			if err := sse.Send(domain.ChunkEvent(text + initialSeparator)); err != nil {
				return metrics.OutcomeCanceled
			}
		}
	case <-timer.C:
		h.logger.Debug("initial response timed out", slog.String("tenant_id", t.tenant.ID))
	case <-ctx.Done():
		timer.Stop()
		return h.interrupted(ctx, sse, t)
	}
	timer.Stop()

	var full strings.Builder
	for ev := range deltas {
		if ev.Error != nil {
			return h.failStream(ctx, sse, t, ev.Error)
		}
		if ev.ContentDelta == "" {
			continue
		}
		full.WriteString(ev.ContentDelta)
		if err := sse.Send(domain.ChunkEvent(ev.ContentDelta)); err != nil {
			return metrics.OutcomeCanceled
		}
	}
	if ctx.Err() != nil {
		return h.interrupted(ctx, sse, t)
	}

	msg := domain.Turn{Role: domain.RoleAssistant, Content: full.String()}
	clientGone := sse.Send(domain.CompleteEvent(msg, nil)) != nil

	h.postprocess(t, sse, msg, clientGone)
	return metrics.OutcomeSuccess
}

// startInitial asks the faster model for a short acknowledgement. The
// channel yields at most one value and is closed when the call ends.
func (h *Handler) startInitial(ctx context.Context, t *turn) <-chan string {
	out := make(chan string, 1)
	go func() {
		defer close(out)

		system := t.composed[t.composed.SystemIndex()].Content
		temp := t.tenant.API.Temperature
		resp, err := h.initial.Complete(ctx, &domain.CompletionRequest{
			Model:       t.tenant.API.InitialResponseModel,
			Messages:    t.composed.WithSystemPrompt(system + "\n\n" + initialInstructions),
			Temperature: &temp,
			MaxTokens:   initialMaxTokens,
		})
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Debug("initial response failed",
					slog.String("tenant_id", t.tenant.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		out <- strings.TrimSpace(resp.Message.Content)
	}()
	return out
}

// postprocess runs topic extraction and the cache write in a task detached
// from the request. The stream stays open for a trailing topics event until
// the task finishes or the client leaves.
func (h *Handler) postprocess(t *turn, sse *sseWriter, msg domain.Turn, clientGone bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), h.topicsTimeout)

	labelsCh := make(chan []string, 1)
	done := make(chan struct{})
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		defer close(done)
		defer cancel()

		labels := h.extractTopics(ctx, t, msg.Content)
		labelsCh <- labels

		if err := h.cache.Put(ctx, t.composed, msg, labels); err != nil {
			h.logger.Warn("cache write failed", slog.String("error", err.Error()))
		}
	}()

	if clientGone {
		return
	}
	select {
	case labels := <-labelsCh:
		if len(labels) > 0 {
			_ = sse.Send(domain.TopicsEvent(labels))
		}
	case <-t.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-t.ctx.Done():
	}
}

func (h *Handler) failStream(ctx context.Context, sse *sseWriter, t *turn, err error) string {
	if ctx.Err() != nil {
		return h.interrupted(ctx, sse, t)
	}
	h.logger.Error("stream failed",
		slog.String("tenant_id", t.tenant.ID),
		slog.String("error", err.Error()),
	)
	server.AddError(ctx, err)
	_ = sse.Send(domain.ErrorEvent(t.genericMessage()))
	return metrics.OutcomeError
}

// interrupted handles a stream cut short by the request context. A server
// timeout is reported to the client; a disconnect is not.
func (h *Handler) interrupted(ctx context.Context, sse *sseWriter, t *turn) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		server.AddError(ctx, ctx.Err())
		_ = sse.Send(domain.ErrorEvent(t.genericMessage()))
		return metrics.OutcomeError
	}
	return metrics.OutcomeCanceled
}
