package openai

import (
	"net/http"
	"time"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/pkg/safehttp"
)

// CreateFromConfig creates a provider from upstream configuration.
// The HTTP client is wrapped with tracing and a per-call timeout.
func CreateFromConfig(cfg config.UpstreamConfig) *Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts := []ProviderOption{
		WithHTTPClient(&http.Client{
			Transport: safehttp.NewTransport(cfg.AllowPrivate),
			Timeout:   timeout,
		}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	return New(cfg.APIKey, opts...)
}

// DefaultTimeout bounds a single upstream call when none is configured.
const DefaultTimeout = 120 * time.Second
