// Package openai provides wire types and an HTTP client for an OpenAI-compatible
// chat completions API.
package openai

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
)

// ChatCompletionRequest represents a chat completion request.
type ChatCompletionRequest struct {
	Model          string                  `json:"model"`
	Messages       []ChatCompletionMessage `json:"messages"`
	MaxTokens      int                     `json:"max_tokens,omitempty"`
	Temperature    *float32                `json:"temperature,omitempty"`
	Stream         bool                    `json:"stream,omitempty"`
	StreamOptions  *StreamOptions          `json:"stream_options,omitempty"`
	ResponseFormat *ResponseFormat         `json:"response_format,omitempty"`
	User           string                  `json:"user,omitempty"`
}

// StreamOptions configures streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionMessage represents a message in the chat completion request/response.
type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ResponseFormat specifies the format of the response.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ResponseFormatJSONObject constrains output to a single JSON object.
const ResponseFormatJSONObject = "json_object"

// ChatCompletionResponse represents a chat completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk represents a streaming chunk.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice represents a choice in a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta represents the delta content in a streaming chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError contains error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ToCanonical converts the upstream error to a canonical domain error.
// The original status is kept so callers can distinguish upstream throttling.
func (e *APIError) ToCanonical(status int) *domain.APIError {
	apiErr := domain.ErrUpstream(e.Message).WithCause(e)
	if code := mapErrorCode(e.Type, e.Code, e.Message); code != "" {
		apiErr.WithCode(code)
	}
	if status == http.StatusTooManyRequests {
		apiErr.WithStatusCode(http.StatusServiceUnavailable)
	}
	return apiErr
}

// mapErrorCode maps upstream error types/codes to domain error codes.
func mapErrorCode(errType, errCode, message string) domain.ErrorCode {
	switch errCode {
	case "context_length_exceeded":
		return domain.ErrorCodeContextLengthExceeded
	case "rate_limit_exceeded":
		return domain.ErrorCodeRateLimitExceeded
	case "invalid_api_key":
		return domain.ErrorCodeInvalidAPIKey
	case "model_not_found":
		return domain.ErrorCodeModelNotFound
	}

	msgLower := strings.ToLower(message)
	if strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "context window") {
		return domain.ErrorCodeContextLengthExceeded
	}

	switch errType {
	case "authentication_error":
		return domain.ErrorCodeInvalidAPIKey
	case "rate_limit_error", "rate_limit_exceeded":
		return domain.ErrorCodeRateLimitExceeded
	case "not_found":
		return domain.ErrorCodeModelNotFound
	}
	return ""
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Error == nil {
		return nil, nil
	}
	return errResp.Error, nil
}
