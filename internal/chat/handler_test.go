package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/cache"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/provider/openai"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/ratelimit"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/server"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/storage/memory"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/tenant"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/testutil"
)

const (
	chatModel      = "chat-model"
	initialModel   = "initial-model"
	ambiguityModel = "ambiguity-model"
	topicsModel    = "topics-model"
)

type staticTenants struct{ t *tenant.Tenant }

func (s staticTenants) Resolve(string) *tenant.Tenant { return s.t }

func testTenant() *tenant.Tenant {
	t := tenant.Builtin()
	t.SystemPrompt = "You are Acme's assistant."
	t.RateLimit = tenant.RateLimit{MaxRequests: 100, Window: time.Minute}
	t.API.ChatModel = chatModel
	t.API.InitialResponseModel = initialModel
	t.API.AmbiguousExpressionModel = ambiguityModel
	t.API.TopicExtractionModel = topicsModel
	return t
}

type fixture struct {
	handler *Handler
	fake    *testutil.FakeCompleter
	cache   *cache.Cache
}

func newFixture(t *testing.T, resolver tenant.Resolver, fake *testutil.FakeCompleter) *fixture {
	t.Helper()
	f := newFixtureFor(t, resolver, fake)
	f.fake = fake
	return f
}

// newFixtureFor builds a handler over any completer, such as the real
// provider pointed at a test upstream.
func newFixtureFor(t *testing.T, resolver tenant.Resolver, completer domain.Completer) *fixture {
	t.Helper()
	if resolver == nil {
		resolver = staticTenants{testTenant()}
	}
	store := memory.New()
	c := cache.New(store)
	h, err := NewHandler(Config{
		Completer:      completer,
		Tenants:        resolver,
		Limiter:        ratelimit.New(store),
		Cache:          c,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		InitialTimeout: time.Second,
		TopicsTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return &fixture{handler: h, cache: c}
}

// byModel routes Complete calls to per-model replies; unknown models fail.
func byModel(replies map[string]string) func(context.Context, *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	return func(_ context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
		content, ok := replies[req.Model]
		if !ok {
			return nil, errors.New("no reply for " + req.Model)
		}
		return &domain.CompletionResponse{
			Message: domain.Turn{Role: domain.RoleAssistant, Content: content},
		}, nil
	}
}

func (f *fixture) post(t *testing.T, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	server.RateLimitHeadersMiddleware(f.handler).ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return out
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"messages":[{"role":"user","content":"hi"}]}`, false},
		{"with options", `{"messages":[{"role":"user","content":"hi"}],"stream":true,"companyId":"acme","userContext":"VIP"}`, false},
		{"not json", `hello`, true},
		{"missing messages", `{"stream":false}`, true},
		{"null messages", `{"messages":null}`, true},
		{"messages not array", `{"messages":"hi"}`, true},
		{"turn wrong shape", `{"messages":[{"role":"user","content":42}]}`, true},
		{"unknown role", `{"messages":[{"role":"tool","content":"x"}]}`, true},
		{"empty array", `{"messages":[]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				apiErr, ok := domain.AsAPIError(err)
				if !ok || apiErr.HTTPStatusCode() != http.StatusBadRequest {
					t.Errorf("error = %v, want 400 APIError", err)
				}
				return
			}
			if len(req.Messages) != 1 {
				t.Errorf("Messages = %v", req.Messages)
			}
		})
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"absent", "", UnknownClient},
		{"single", "203.0.113.7", "203.0.113.7"},
		{"chain uses first", "203.0.113.7, 10.0.0.1, 10.0.0.2", "203.0.113.7"},
		{"blank first", " , 10.0.0.1", UnknownClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				r.Header.Set("X-Forwarded-For", tt.header)
			}
			if got := ClientKey(r); got != tt.want {
				t.Errorf("ClientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComposeSystemPrompt(t *testing.T) {
	tn := testTenant()
	if got := ComposeSystemPrompt(tn, ""); got != tn.SystemPrompt {
		t.Errorf("no context = %q", got)
	}
	if got := ComposeSystemPrompt(tn, "Name: Sam"); got != tn.SystemPrompt+"\n\nName: Sam" {
		t.Errorf("with context = %q", got)
	}
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("NewHandler(empty) error = nil")
	}
}

func TestUnary_Hello(t *testing.T) {
	f := newFixture(t, nil, &testutil.FakeCompleter{CompleteFunc: testutil.Reply("hello")})

	rec := f.post(t, `{"messages":[{"role":"user","content":"hi"}],"stream":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if string(body["message"]) != `{"role":"assistant","content":"hello"}` {
		t.Errorf("message = %s", body["message"])
	}
	if string(body["topics"]) != `[]` {
		t.Errorf("topics = %s", body["topics"])
	}
	if string(body["ambiguousExpression"]) != `null` {
		t.Errorf("ambiguousExpression = %s", body["ambiguousExpression"])
	}
	if _, ok := body["fromCache"]; ok {
		t.Error("fresh response carries fromCache")
	}

	// Only the main call: no enrichment for a one-turn conversation.
	calls := f.fake.CompleteCalls()
	if len(calls) != 1 || calls[0].Model != chatModel {
		t.Fatalf("calls = %+v", calls)
	}
	sent := calls[0].Messages
	if len(sent) != 2 || sent[0].Role != domain.RoleSystem || sent[0].Content != "You are Acme's assistant." {
		t.Errorf("dispatched conversation = %+v", sent)
	}
	if calls[0].Temperature == nil || *calls[0].Temperature != 0.7 || calls[0].MaxTokens != 1000 {
		t.Errorf("sampling = %v, %d", calls[0].Temperature, calls[0].MaxTokens)
	}
}

func TestUnary_CacheHit(t *testing.T) {
	f := newFixture(t, nil, &testutil.FakeCompleter{CompleteFunc: testutil.Reply("hello")})
	body := `{"messages":[{"role":"user","content":"hi"}],"stream":false}`

	first := f.post(t, body)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}

	// Extra per-turn fields must not defeat the cache.
	second := f.post(t, `{"messages":[{"role":"user","content":"hi","name":"sam"}],"stream":false}`)
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	got := decodeBody(t, second)
	if string(got["fromCache"]) != "true" {
		t.Errorf("fromCache = %s", got["fromCache"])
	}
	if string(got["message"]) != `{"role":"assistant","content":"hello"}` {
		t.Errorf("message = %s", got["message"])
	}
	if n := f.fake.CallsFor(chatModel); n != 1 {
		t.Errorf("chat calls = %d, want 1", n)
	}
}

func TestUnary_RateLimited(t *testing.T) {
	reg := tenant.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg.Load([]config.TenantConfig{{
		ID:        tenant.DefaultID,
		RateLimit:   config.RateLimitConfig{MaxRequests: 1, Window: time.Minute},
		APISettings: config.APISettings{ChatModel: chatModel},
		Responses: map[string]map[string]string{"errors": {"rate_limit": "Slow down, please."}},
	}})
	f := newFixture(t, reg, &testutil.FakeCompleter{CompleteFunc: testutil.Reply("hello")})

	first := f.post(t, `{"messages":[{"role":"user","content":"one"}]}`, "X-Forwarded-For", "198.51.100.1")
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	if first.Header().Get("x-ratelimit-remaining-requests") != "0" {
		t.Errorf("remaining = %q", first.Header().Get("x-ratelimit-remaining-requests"))
	}

	var last *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		last = f.post(t, `{"messages":[{"role":"user","content":"again"}]}`, "X-Forwarded-For", "198.51.100.1")
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("11th status = %d, want 429", last.Code)
	}
	var errBody struct{ Error string }
	_ = json.Unmarshal(last.Body.Bytes(), &errBody)
	if errBody.Error != "Slow down, please." {
		t.Errorf("error = %q", errBody.Error)
	}
	if last.Header().Get("x-ratelimit-limit-requests") != "1" {
		t.Errorf("limit header = %q", last.Header().Get("x-ratelimit-limit-requests"))
	}

	// Another client has its own window.
	other := f.post(t, `{"messages":[{"role":"user","content":"one"}]}`, "X-Forwarded-For", "198.51.100.2")
	if other.Code != http.StatusOK {
		t.Errorf("other client status = %d", other.Code)
	}
	if n := f.fake.CallsFor(chatModel); n != 2 {
		t.Errorf("chat calls = %d, want 2", n)
	}
}

func TestUnary_InvalidRequest(t *testing.T) {
	f := newFixture(t, nil, &testutil.FakeCompleter{})

	rec := f.post(t, `{"stream":false}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var errBody struct{ Error string }
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil || errBody.Error == "" {
		t.Errorf("body = %s", rec.Body.String())
	}
	if len(f.fake.CompleteCalls()) != 0 {
		t.Error("completer called for invalid request")
	}
}

func TestUnary_UpstreamFailure(t *testing.T) {
	fake := &testutil.FakeCompleter{CompleteFunc: func(context.Context, *domain.CompletionRequest) (*domain.CompletionResponse, error) {
		return nil, domain.ErrUpstream("boom")
	}}
	f := newFixture(t, nil, fake)

	rec := f.post(t, `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if string(body["error"]) != `"`+fallbackGenericMessage+`"` {
		t.Errorf("error = %s", body["error"])
	}
	if _, ok := body["message"]; ok {
		t.Error("partial data in error response")
	}

	// Failures are not cached.
	conv := domain.Conversation{{Role: domain.RoleUser, Content: "hi"}}.WithSystemPrompt(testTenant().SystemPrompt)
	if _, ok, _ := f.cache.Get(context.Background(), conv); ok {
		t.Error("failed turn was cached")
	}
}

func TestUnary_SystemPromptComposition(t *testing.T) {
	f := newFixture(t, nil, &testutil.FakeCompleter{CompleteFunc: testutil.Reply("ok")})

	rec := f.post(t, `{
		"messages":[{"role":"user","content":"hi"},{"role":"system","content":"client prompt"}],
		"userContext":"The user is called Sam."
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	sent := f.fake.CompleteCalls()[0].Messages
	if len(sent) != 2 {
		t.Fatalf("dispatched %d turns, want system replaced in place", len(sent))
	}
	if sent[1].Role != domain.RoleSystem || sent[1].Content != "You are Acme's assistant.\n\nThe user is called Sam." {
		t.Errorf("system turn = %+v", sent[1])
	}
	if sent[0].Content != "hi" {
		t.Errorf("order changed: %+v", sent)
	}
}

const threeTurns = `{"messages":[
	{"role":"user","content":"How did the review go?"},
	{"role":"assistant","content":"Tell me more."},
	{"role":"user","content":"My manager said it was an interesting approach."}
]}`

func TestUnary_AmbiguityAnnotation(t *testing.T) {
	fake := &testutil.FakeCompleter{CompleteFunc: byModel(map[string]string{
		ambiguityModel: `{"detected":true,"expression":"interesting approach","interpretation":"they have doubts","confidence":0.9,"contextFactors":["performance review"]}`,
		chatModel:      "It sounds like your manager may have reservations.",
		topicsModel:    `[]`,
	})}
	f := newFixture(t, nil, fake)

	rec := f.post(t, threeTurns)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AmbiguousExpression == nil || resp.AmbiguousExpression.Expression != "interesting approach" {
		t.Errorf("ambiguousExpression = %+v", resp.AmbiguousExpression)
	}

	var chatReq *domain.CompletionRequest
	for _, c := range fake.CompleteCalls() {
		if c.Model == chatModel {
			c := c
			chatReq = &c
		}
	}
	if chatReq == nil {
		t.Fatal("no chat call")
	}
	system := chatReq.Messages[0].Content
	if !strings.HasPrefix(system, "You are Acme's assistant.\n\n") ||
		!strings.Contains(system, "they have doubts") ||
		!strings.Contains(system, "90%") {
		t.Errorf("system turn not annotated:\n%s", system)
	}
}

func TestUnary_EnrichmentFailuresAreIgnored(t *testing.T) {
	long := strings.Repeat("A detailed answer. ", 10)
	fake := &testutil.FakeCompleter{CompleteFunc: byModel(map[string]string{
		chatModel: long,
		// ambiguity and topics models have no reply and fail.
	})}
	f := newFixture(t, nil, fake)

	rec := f.post(t, threeTurns)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if string(body["ambiguousExpression"]) != "null" || string(body["topics"]) != "[]" {
		t.Errorf("body = %s", rec.Body.String())
	}
	if fake.CallsFor(ambiguityModel) != 1 || fake.CallsFor(topicsModel) != 1 {
		t.Errorf("enrichment calls: ambiguity %d, topics %d", fake.CallsFor(ambiguityModel), fake.CallsFor(topicsModel))
	}
}

func TestUnary_Topics(t *testing.T) {
	long := strings.Repeat("Reviews usually mix praise and critique. ", 4)
	fake := &testutil.FakeCompleter{CompleteFunc: byModel(map[string]string{
		ambiguityModel: `{"detected":false}`,
		chatModel:      long,
		topicsModel:    `["performance review", "feedback"]`,
	})}
	f := newFixture(t, nil, fake)

	rec := f.post(t, threeTurns)
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Topics) != 2 || resp.Topics[0] != "performance review" {
		t.Errorf("topics = %v", resp.Topics)
	}
	if resp.AmbiguousExpression != nil {
		t.Errorf("ambiguousExpression = %+v, want null when not detected", resp.AmbiguousExpression)
	}

	// Topics are cached with the message.
	rec = f.post(t, threeTurns)
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.FromCache || len(resp.Topics) != 2 {
		t.Errorf("cached response = %+v", resp)
	}
}

// sseEvents reads every data frame from an SSE body.
func sseEvents(t *testing.T, body string) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			t.Fatalf("unexpected SSE line %q", line)
		}
		var ev domain.StreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("bad event %q: %v", payload, err)
		}
		events = append(events, ev)
	}
	return events
}

func summarize(events []domain.StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		switch ev.Type {
		case domain.StreamEventChunk:
			out[i] = "chunk:" + ev.Content
		case domain.StreamEventComplete:
			out[i] = "complete:" + ev.Message.Content
		case domain.StreamEventTopics:
			out[i] = "topics:" + strings.Join(ev.Topics, ",")
		default:
			out[i] = "error:" + ev.Error
		}
	}
	return out
}

func assertSequence(t *testing.T, got []domain.StreamEvent, want ...string) {
	t.Helper()
	g := summarize(got)
	if strings.Join(g, "|") != strings.Join(want, "|") {
		t.Errorf("events =\n  %q\nwant\n  %q", g, want)
	}
}

func TestStream_EventOrder(t *testing.T) {
	fake := &testutil.FakeCompleter{
		CompleteFunc: byModel(map[string]string{}), // initial call fails
		StreamFunc:   testutil.Deltas("He", "llo"),
	}
	f := newFixture(t, nil, fake)

	rec := f.post(t, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, no-transform" {
		t.Errorf("Cache-Control = %q", cc)
	}

	events := sseEvents(t, rec.Body.String())
	assertSequence(t, events, "chunk:He", "chunk:llo", "complete:Hello")

	complete := events[len(events)-1]
	if complete.Message.Role != domain.RoleAssistant || complete.Topics == nil || len(complete.Topics) != 0 {
		t.Errorf("complete = %+v", complete)
	}
	if !strings.Contains(rec.Body.String(), `"topics":[]`) {
		t.Error("complete event does not carry an empty topics array")
	}

	streams := fake.StreamCalls()
	if len(streams) != 1 || streams[0].Model != chatModel {
		t.Errorf("stream calls = %+v", streams)
	}
}

func TestStream_InitialResponseFirst(t *testing.T) {
	var released atomic.Bool
	fake := &testutil.FakeCompleter{
		CompleteFunc: func(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
			if req.Model != initialModel {
				return nil, errors.New("unexpected")
			}
			if req.MaxTokens != initialMaxTokens || !strings.Contains(req.Messages[0].Content, initialInstructions) {
				t.Errorf("initial request = %+v", req)
			}
			// Finish after the stream has opened and produced its first delta.
			time.Sleep(20 * time.Millisecond)
			released.Store(true)
			return &domain.CompletionResponse{Message: domain.Turn{Content: " Sure thing. "}}, nil
		},
		StreamFunc: testutil.Deltas("He", "llo"),
	}
	f := newFixture(t, nil, fake)

	rec := f.post(t, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	events := sseEvents(t, rec.Body.String())
	assertSequence(t, events, "chunk:Sure thing.\n\n", "chunk:He", "chunk:llo", "complete:Hello")
	if !released.Load() {
		t.Error("initial call did not finish")
	}
}

func TestStream_TopicsAfterComplete(t *testing.T) {
	long := strings.Repeat("word ", 30)
	fake := &testutil.FakeCompleter{
		CompleteFunc: byModel(map[string]string{
			initialModel:   "On it.",
			ambiguityModel: `{"detected":false}`,
			topicsModel:    `["reviews","feedback","career"]`,
		}),
		StreamFunc: testutil.Deltas(long),
	}
	f := newFixture(t, nil, fake)

	body := strings.Replace(threeTurns, `]}`, `],"stream":true}`, 1)
	rec := f.post(t, body)
	events := sseEvents(t, rec.Body.String())
	assertSequence(t, events,
		"chunk:On it.\n\n",
		"chunk:"+long,
		"complete:"+long,
		"topics:reviews,feedback,career",
	)

	// The stream result is cached for unary reuse, topics included.
	unary := f.post(t, threeTurns)
	var resp Response
	_ = json.Unmarshal(unary.Body.Bytes(), &resp)
	if !resp.FromCache || resp.Message.Content != long || len(resp.Topics) != 3 {
		t.Errorf("unary after stream = %+v", resp)
	}
}

func TestStream_OpenFailure(t *testing.T) {
	fake := &testutil.FakeCompleter{
		CompleteFunc: byModel(map[string]string{initialModel: "Hi!"}),
		StreamFunc: func(context.Context, *domain.CompletionRequest) (<-chan domain.CompletionEvent, error) {
			return nil, errors.New("connection refused")
		},
	}
	f := newFixture(t, nil, fake)

	rec := f.post(t, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	assertSequence(t, sseEvents(t, rec.Body.String()), "error:"+fallbackGenericMessage)
}

func TestStream_MidStreamError(t *testing.T) {
	fake := &testutil.FakeCompleter{
		CompleteFunc: byModel(map[string]string{}),
		StreamFunc: func(ctx context.Context, _ *domain.CompletionRequest) (<-chan domain.CompletionEvent, error) {
			ch := make(chan domain.CompletionEvent, 2)
			ch <- domain.CompletionEvent{ContentDelta: "Par"}
			ch <- domain.CompletionEvent{Error: errors.New("upstream reset")}
			close(ch)
			return ch, nil
		},
	}
	f := newFixture(t, nil, fake)

	rec := f.post(t, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	assertSequence(t, sseEvents(t, rec.Body.String()), "chunk:Par", "error:"+fallbackGenericMessage)

	conv := domain.Conversation{{Role: domain.RoleUser, Content: "hi"}}.WithSystemPrompt(testTenant().SystemPrompt)
	if _, ok, _ := f.cache.Get(context.Background(), conv); ok {
		t.Error("failed stream was cached")
	}
}

func TestStream_ClientDisconnect(t *testing.T) {
	started := make(chan struct{})
	fake := &testutil.FakeCompleter{
		CompleteFunc: byModel(map[string]string{}),
		StreamFunc: func(ctx context.Context, _ *domain.CompletionRequest) (<-chan domain.CompletionEvent, error) {
			ch := make(chan domain.CompletionEvent)
			go func() {
				defer close(ch)
				select {
				case ch <- domain.CompletionEvent{ContentDelta: "partial"}:
				case <-ctx.Done():
					return
				}
				close(started)
				<-ctx.Done()
			}()
			return ch, nil
		},
	}
	f := newFixture(t, nil, fake)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"stream":true}`)).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.ServeHTTP(rec, req)
	}()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}

	conv := domain.Conversation{{Role: domain.RoleUser, Content: "hi"}}.WithSystemPrompt(testTenant().SystemPrompt)
	if _, ok, _ := f.cache.Get(context.Background(), conv); ok {
		t.Error("interrupted stream was cached")
	}
}

func TestStream_InitialTimeout(t *testing.T) {
	fake := &testutil.FakeCompleter{
		CompleteFunc: func(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
			if req.Model != initialModel {
				return nil, errors.New("unexpected")
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
		StreamFunc: testutil.Deltas("He", "llo"),
	}
	f := newFixture(t, nil, fake)
	f.handler.initialTimeout = 50 * time.Millisecond

	start := time.Now()
	rec := f.post(t, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	assertSequence(t, sseEvents(t, rec.Body.String()), "chunk:He", "chunk:llo", "complete:Hello")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stream took %v, want it released by the initial timeout", elapsed)
	}
}

func TestStream_TruncatedUpstreamIsNotComplete(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			// Initial acknowledgement fails; only the stream matters here.
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		// One delta, then the connection ends without finish_reason or [DONE].
		io.WriteString(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"The answer is\"}}]}\n\n")
	}))
	defer upstream.Close()

	f := newFixtureFor(t, nil, openai.New("k", openai.WithBaseURL(upstream.URL)))

	body := `{"messages":[{"role":"user","content":"What is the answer?"}],"stream":true}`
	rec := f.post(t, body)
	assertSequence(t, sseEvents(t, rec.Body.String()), "chunk:The answer is", "error:"+fallbackGenericMessage)

	conv := domain.Conversation{{Role: domain.RoleUser, Content: "What is the answer?"}}.WithSystemPrompt(testTenant().SystemPrompt)
	if _, ok, _ := f.cache.Get(context.Background(), conv); ok {
		t.Error("truncated stream was cached")
	}
}

func TestHandler_DrainWaitsForPostStreamWork(t *testing.T) {
	long := strings.Repeat("word ", 30)
	started := make(chan struct{})
	release := make(chan struct{})
	fake := &testutil.FakeCompleter{
		CompleteFunc: func(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
			if req.Model != topicsModel {
				return nil, errors.New("no reply for " + req.Model)
			}
			close(started)
			<-release
			return testutil.Reply(`["reviews"]`)(ctx, req)
		},
		StreamFunc: testutil.Deltas(long),
	}
	f := newFixture(t, nil, fake)

	served := make(chan struct{})
	go func() {
		defer close(served)
		f.post(t, strings.Replace(threeTurns, `]}`, `],"stream":true}`, 1))
	}()

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.handler.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain() with work outstanding = %v, want deadline exceeded", err)
	}

	close(release)
	if err := f.handler.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() = %v", err)
	}
	<-served

	var req struct {
		Messages domain.Conversation `json:"messages"`
	}
	_ = json.Unmarshal([]byte(threeTurns), &req)
	conv := req.Messages.WithSystemPrompt(testTenant().SystemPrompt)
	if _, ok, _ := f.cache.Get(context.Background(), conv); !ok {
		t.Error("cache write had not finished when Drain returned")
	}
}
