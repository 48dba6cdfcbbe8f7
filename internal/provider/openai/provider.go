// Package openai implements the completion client on top of the
// OpenAI-compatible chat completions API.
package openai

import (
	"context"
	"net/http"

	openaiapi "github.com/tjfontaine/polyglot-chat-gateway/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
)

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// Provider implements domain.Completer. Failures are returned as-is;
// retry policy belongs to the caller.
type Provider struct {
	client     *openaiapi.Client
	baseURL    string
	httpClient *http.Client
}

var _ domain.Completer = (*Provider)(nil)

// New creates a new OpenAI completion provider.
func New(apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{}

	for _, opt := range opts {
		opt(p)
	}

	var clientOpts []openaiapi.ClientOption
	if p.baseURL != "" {
		clientOpts = append(clientOpts, openaiapi.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, openaiapi.WithHTTPClient(p.httpClient))
	}

	p.client = openaiapi.NewClient(apiKey, clientOpts...)
	return p
}

func (p *Provider) Name() string {
	return "openai"
}

func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, toAPIRequest(req), requestOptions(req))
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, domain.ErrUpstream("completion returned no choices").
			WithCode(domain.ErrorCodeEmptyCompletion)
	}

	choice := resp.Choices[0]
	return &domain.CompletionResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Message: domain.Turn{
			Role:    domain.RoleAssistant,
			Content: choice.Message.Content,
		},
		FinishReason: choice.FinishReason,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.CompletionEvent, error) {
	stream, err := p.client.StreamChatCompletion(ctx, toAPIRequest(req), requestOptions(req))
	if err != nil {
		return nil, err
	}

	out := make(chan domain.CompletionEvent)
	go func() {
		defer close(out)

		emit := func(ev domain.CompletionEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for result := range stream {
			if result.Err != nil {
				emit(domain.CompletionEvent{Error: result.Err})
				return
			}

			chunk := result.Chunk
			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				ev := domain.CompletionEvent{ContentDelta: choice.Delta.Content}
				if choice.FinishReason != nil {
					ev.FinishReason = *choice.FinishReason
				}
				if ev.ContentDelta != "" || ev.FinishReason != "" {
					if !emit(ev) {
						return
					}
				}
			}

			if chunk.Usage != nil {
				if !emit(domain.CompletionEvent{
					Usage: &domain.Usage{
						PromptTokens:     chunk.Usage.PromptTokens,
						CompletionTokens: chunk.Usage.CompletionTokens,
						TotalTokens:      chunk.Usage.TotalTokens,
					},
				}) {
					return
				}
			}
		}
	}()

	return out, nil
}

func requestOptions(req *domain.CompletionRequest) *openaiapi.RequestOptions {
	return &openaiapi.RequestOptions{UserAgent: req.UserAgent}
}

// toAPIRequest converts a domain request to an API request.
func toAPIRequest(req *domain.CompletionRequest) *openaiapi.ChatCompletionRequest {
	messages := make([]openaiapi.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openaiapi.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		}
	}

	apiReq := &openaiapi.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	}

	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}

	if req.JSONObject {
		apiReq.ResponseFormat = &openaiapi.ResponseFormat{Type: openaiapi.ResponseFormatJSONObject}
	}

	return apiReq
}
