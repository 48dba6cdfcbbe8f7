// Package chat implements the chat-turn endpoint: request validation, rate
// limiting, prompt composition, caching, and unary or streamed dispatch to the
// completion service with best-effort enrichment calls around it.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/ambiguity"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/cache"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/metrics"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/ratelimit"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/server"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/tenant"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/tokens"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/topics"
)

const (
	// UnknownClient is the rate-limit key for requests without a forwarded
	// address. All such clients share one window.
	UnknownClient = "unknown"

	maxBodyBytes = 1 << 20

	defaultInitialTimeout = 5 * time.Second
	defaultTopicsTimeout  = 15 * time.Second

	fallbackRateLimitMessage = "Too many requests. Please wait a moment and try again."
	fallbackGenericMessage   = "Sorry, something went wrong. Please try again."
)

// Config wires a Handler. Completer, Tenants, Limiter and Cache are
// required; the rest default.
type Config struct {
	Completer domain.Completer
	Tenants   tenant.Resolver
	Limiter   *ratelimit.Limiter
	Cache     *cache.Cache

	// Detector and Extractor default to ones built on Completer.
	Detector  *ambiguity.Detector
	Extractor *topics.Extractor
	Counter   *tokens.Counter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// InitialTimeout bounds how long streamed deltas wait for the
	// fast initial response.
	InitialTimeout time.Duration
	// TopicsTimeout bounds topic extraction after a stream completes.
	TopicsTimeout time.Duration
}

// Handler serves POST chat turns.
type Handler struct {
	chat      domain.Completer
	initial   domain.Completer
	tenants   tenant.Resolver
	limiter   *ratelimit.Limiter
	cache     *cache.Cache
	detector  *ambiguity.Detector
	extractor *topics.Extractor
	counter   *tokens.Counter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	initialTimeout time.Duration
	topicsTimeout  time.Duration

	// background tracks post-stream work that outlives its request.
	background sync.WaitGroup
}

// NewHandler validates cfg and builds a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.Completer == nil:
		return nil, errors.New("chat: completer required")
	case cfg.Tenants == nil:
		return nil, errors.New("chat: tenant resolver required")
	case cfg.Limiter == nil:
		return nil, errors.New("chat: rate limiter required")
	case cfg.Cache == nil:
		return nil, errors.New("chat: cache required")
	}

	h := &Handler{
		tenants:        cfg.Tenants,
		limiter:        cfg.Limiter,
		cache:          cfg.Cache,
		detector:       cfg.Detector,
		extractor:      cfg.Extractor,
		counter:        cfg.Counter,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		tracer:         otel.Tracer("github.com/tjfontaine/polyglot-chat-gateway/internal/chat"),
		initialTimeout: cfg.InitialTimeout,
		topicsTimeout:  cfg.TopicsTimeout,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	if h.counter == nil {
		h.counter = tokens.NewCounter()
	}
	h.chat = metrics.InstrumentCompleter(cfg.Completer, h.metrics, metrics.CallChat)
	h.initial = metrics.InstrumentCompleter(cfg.Completer, h.metrics, metrics.CallInitial)
	if h.detector == nil {
		h.detector = ambiguity.NewDetector(
			metrics.InstrumentCompleter(cfg.Completer, h.metrics, metrics.CallAmbiguity), h.logger)
	}
	if h.extractor == nil {
		h.extractor = topics.NewExtractor(
			metrics.InstrumentCompleter(cfg.Completer, h.metrics, metrics.CallTopics))
	}
	if h.initialTimeout <= 0 {
		h.initialTimeout = defaultInitialTimeout
	}
	if h.topicsTimeout <= 0 {
		h.topicsTimeout = defaultTopicsTimeout
	}
	return h, nil
}

// Drain waits for post-stream topic extraction and cache writes to finish,
// or for ctx to end. Call it after the server stops accepting requests and
// before closing the store.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request is the inbound turn.
type Request struct {
	Messages    domain.Conversation
	Stream      bool
	CompanyID   string
	UserContext string
}

type wireRequest struct {
	Messages    json.RawMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	CompanyID   string          `json:"companyId"`
	UserContext string          `json:"userContext"`
}

// Response is the unary reply body.
type Response struct {
	Message             domain.Turn                 `json:"message"`
	Topics              []string                    `json:"topics"`
	AmbiguousExpression *domain.AmbiguousExpression `json:"ambiguousExpression"`
	FromCache           bool                        `json:"fromCache,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// DecodeRequest parses and validates a turn request body.
func DecodeRequest(body []byte) (*Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, domain.ErrInvalidRequest("request body must be a JSON object").WithCause(err)
	}

	raw := strings.TrimSpace(string(wire.Messages))
	if raw == "" || raw == "null" {
		return nil, domain.ErrInvalidRequest("messages is required").
			WithCode(domain.ErrorCodeMissingMessages)
	}

	var msgs domain.Conversation
	if err := json.Unmarshal(wire.Messages, &msgs); err != nil {
		return nil, domain.ErrInvalidRequest("messages must be an array of {role, content} objects").
			WithCode(domain.ErrorCodeMissingMessages).WithCause(err)
	}
	if len(msgs) == 0 {
		return nil, domain.ErrInvalidRequest("messages must not be empty").
			WithCode(domain.ErrorCodeMissingMessages)
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("messages[%d].role %q is not one of system, user, assistant", i, m.Role))
		}
	}

	return &Request{
		Messages:    msgs,
		Stream:      wire.Stream,
		CompanyID:   strings.TrimSpace(wire.CompanyID),
		UserContext: wire.UserContext,
	}, nil
}

// ClientKey identifies the caller for rate limiting: the first address in
// X-Forwarded-For, or UnknownClient.
func ClientKey(r *http.Request) string {
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return UnknownClient
	}
	first, _, _ := strings.Cut(fwd, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return UnknownClient
}

// ComposeSystemPrompt joins the tenant prompt with optional user context.
func ComposeSystemPrompt(t *tenant.Tenant, userContext string) string {
	prompt := t.SystemPrompt
	if userContext = strings.TrimSpace(userContext); userContext != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += userContext
	}
	return prompt
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "chat.turn")
	defer span.End()

	h.metrics.TurnsInFlight.Inc()
	defer h.metrics.TurnsInFlight.Dec()

	body, err := readBody(w, r)
	if err != nil {
		h.writeError(ctx, w, domain.ErrInvalidRequest("request body could not be read").WithCause(err))
		h.metrics.RecordTurn(modeUnknown, metrics.OutcomeInvalid, time.Since(start))
		return
	}
	req, err := DecodeRequest(body)
	if err != nil {
		apiErr, _ := domain.AsAPIError(err)
		h.writeError(ctx, w, apiErr)
		h.metrics.RecordTurn(modeUnknown, metrics.OutcomeInvalid, time.Since(start))
		return
	}

	mode := modeOf(req.Stream)
	t := h.tenants.Resolve(req.CompanyID)
	server.AddLogField(ctx, "tenant_id", t.ID)
	server.AddLogField(ctx, "mode", mode)
	span.SetAttributes(
		attribute.String("chat.tenant", t.ID),
		attribute.Bool("chat.stream", req.Stream),
		attribute.Int("chat.turns", len(req.Messages)),
	)

	if !h.allow(r.WithContext(ctx), t) {
		h.writeError(ctx, w, domain.ErrRateLimit(t.Template("errors", "rate_limit", fallbackRateLimitMessage)))
		h.metrics.RecordTurn(mode, metrics.OutcomeRateLimited, time.Since(start))
		return
	}

	tn := h.newTurn(r.WithContext(ctx), req, t)
	var outcome string
	if req.Stream {
		outcome = h.serveStream(w, tn)
	} else {
		outcome = h.serveUnary(w, tn)
	}
	span.SetAttributes(attribute.String("chat.outcome", outcome))
	h.metrics.RecordTurn(mode, outcome, time.Since(start))
}

// allow applies the tenant's window to the caller. A failing store lets the
// request through.
func (h *Handler) allow(r *http.Request, t *tenant.Tenant) bool {
	ctx := r.Context()
	key := ClientKey(r)

	decision, err := h.limiter.Allow(ctx, key, t.RateLimit.MaxRequests, t.RateLimit.Window)
	if err != nil {
		h.logger.Warn("rate limiter unavailable, allowing request",
			slog.String("client", key),
			slog.String("error", err.Error()),
		)
		return true
	}

	server.SetRateLimits(ctx, server.RateLimitInfo{
		Limit:     decision.Limit,
		Remaining: decision.Remaining,
		Reset:     decision.ResetAt,
	})
	h.metrics.RecordRateLimit(t.ID, decision.Allowed)
	if !decision.Allowed {
		server.AddLogField(ctx, "rate_limited", key)
	}
	return decision.Allowed
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, apiErr *domain.APIError) {
	server.AddError(ctx, apiErr)
	writeJSON(w, apiErr.HTTPStatusCode(), errorBody{Error: apiErr.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

const (
	modeUnary   = "unary"
	modeStream  = "stream"
	modeUnknown = "unknown"
)

func modeOf(stream bool) string {
	if stream {
		return modeStream
	}
	return modeUnary
}
