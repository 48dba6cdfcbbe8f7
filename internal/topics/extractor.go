// Package topics summarises a conversation into a handful of short labels.
package topics

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/jsonx"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/tenant"
)

const (
	minTurns         = 3
	minResponseChars = 100
	minUserTurns     = 2
	contextTurns     = 5

	temperature float32 = 0.3
	maxTokens           = 100
)

const instructions = `Identify the 3 to 5 main topics of this conversation.
Each topic is a short phrase of one to four words.
Reply with only a JSON array of strings, for example ["billing", "refund policy", "delivery times"].`

// ShouldExtract reports whether the exchange is substantial enough to
// summarise.
func ShouldExtract(conv domain.Conversation, response string) bool {
	return len(conv) >= minTurns &&
		utf8.RuneCountInString(response) >= minResponseChars &&
		conv.CountRole(domain.RoleUser) >= minUserTurns
}

// Extractor issues the topic summarisation call.
type Extractor struct {
	completer domain.Completer
}

// NewExtractor creates an extractor that calls through completer.
func NewExtractor(completer domain.Completer) *Extractor {
	return &Extractor{completer: completer}
}

// Extract returns topic labels for conv followed by response. The result is
// never nil; on error it is empty and the error is informational.
func (e *Extractor) Extract(ctx context.Context, conv domain.Conversation, response string, t *tenant.Tenant) ([]string, error) {
	transcript := append(conv.Recent(contextTurns), domain.Turn{
		Role:    domain.RoleAssistant,
		Content: response,
	})

	temp := temperature
	resp, err := e.completer.Complete(ctx, &domain.CompletionRequest{
		Model: t.API.TopicExtractionModel,
		Messages: domain.Conversation{
			{Role: domain.RoleSystem, Content: instructions},
			{Role: domain.RoleUser, Content: transcript.Transcript()},
		},
		Temperature: &temp,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return []string{}, fmt.Errorf("topics: completion: %w", err)
	}
	return jsonx.Strings(resp.Message.Content), nil
}
