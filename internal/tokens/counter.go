// Package tokens counts prompt tokens for the conversation dispatched upstream.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
)

// Chat framing overhead, per OpenAI's published accounting.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
)

// Count is the result of counting a conversation.
type Count struct {
	Tokens    int
	Model     string
	Estimated bool
}

// Counter counts tokens with tiktoken encodings, falling back to a character
// estimate when no encoding can be loaded.
type Counter struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec

	// CharsPerToken drives the fallback estimate.
	CharsPerToken float64
}

// NewCounter creates a counter with an empty codec cache.
func NewCounter() *Counter {
	return &Counter{
		codecs:        make(map[tokenizer.Encoding]tokenizer.Codec),
		CharsPerToken: 4.0,
	}
}

// Conversation counts the prompt tokens conv costs when sent to model.
func (c *Counter) Conversation(model string, conv domain.Conversation) Count {
	codec, err := c.codec(model)
	if err != nil {
		return c.estimate(model, conv)
	}

	total := assistantPriming
	for _, t := range conv {
		total += tokensPerMessage + tokensPerRole
		ids, _, err := codec.Encode(t.Content)
		if err != nil {
			return c.estimate(model, conv)
		}
		total += len(ids)
	}
	return Count{Tokens: total, Model: model}
}

// Text counts tokens in a single string.
func (c *Counter) Text(model, text string) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (c *Counter) estimate(model string, conv domain.Conversation) Count {
	chars := 0
	for _, t := range conv {
		chars += len(t.Role) + len(t.Content) + 4
	}
	return Count{
		Tokens:    int(float64(chars) / c.CharsPerToken),
		Model:     model,
		Estimated: true,
	}
}

func (c *Counter) codec(model string) (tokenizer.Codec, error) {
	encoding := encodingFor(model)

	c.mu.RLock()
	codec, ok := c.codecs[encoding]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.mu.Lock()
	c.codecs[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

// encodingFor maps a model name to its tiktoken encoding.
//
//   - O200kBase: gpt-5, gpt-4.1, gpt-4o, o-series and unknown models
//   - Cl100kBase: gpt-4, gpt-3.5-turbo
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
