// Package tenant resolves per-tenant model settings, rate limits, and
// user-facing wording. Resolution never fails: unknown tenants get the
// default configuration.
package tenant

import (
	"time"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/pkg/config"
)

// DefaultID is used when a request names no tenant or an unknown one.
const DefaultID = "default"

// Tenant is the resolved, immutable configuration for one tenant.
type Tenant struct {
	ID           string
	Name         string
	SystemPrompt string
	RateLimit    RateLimit
	API          APISettings

	responses map[string]map[string]string
}

// RateLimit is a fixed-window request allowance.
type RateLimit struct {
	MaxRequests int
	Window      time.Duration
}

// APISettings selects models and sampling for each upstream call.
type APISettings struct {
	ChatModel                string
	InitialResponseModel     string
	Temperature              float32
	MaxTokens                int
	AmbiguousExpressionModel string
	TopicExtractionModel     string
}

// Template returns the configured text for category/key, or fallback.
func (t *Tenant) Template(category, key, fallback string) string {
	if t == nil {
		return fallback
	}
	if msg := t.responses[category][key]; msg != "" {
		return msg
	}
	return fallback
}

// Builtin returns the configuration used when nothing is configured.
func Builtin() *Tenant {
	return &Tenant{
		ID:           DefaultID,
		Name:         "Default",
		SystemPrompt: "You are a helpful, friendly assistant. Answer clearly and concisely.",
		RateLimit: RateLimit{
			MaxRequests: 10,
			Window:      time.Minute,
		},
		API: APISettings{
			ChatModel:                "gpt-4o",
			InitialResponseModel:     "gpt-4o-mini",
			Temperature:              0.7,
			MaxTokens:                1000,
			AmbiguousExpressionModel: "gpt-4o-mini",
			TopicExtractionModel:     "gpt-4o-mini",
		},
		responses: map[string]map[string]string{},
	}
}

// fromConfig overlays cfg on base; zero fields inherit base's values.
func fromConfig(cfg config.TenantConfig, base *Tenant) *Tenant {
	t := *base
	t.ID = cfg.ID
	if cfg.Name != "" {
		t.Name = cfg.Name
	}
	if cfg.SystemPrompt != "" {
		t.SystemPrompt = cfg.SystemPrompt
	}
	if cfg.RateLimit.MaxRequests > 0 {
		t.RateLimit.MaxRequests = cfg.RateLimit.MaxRequests
	}
	if cfg.RateLimit.Window > 0 {
		t.RateLimit.Window = cfg.RateLimit.Window
	}

	api := cfg.APISettings
	if api.ChatModel != "" {
		t.API.ChatModel = api.ChatModel
	}
	if api.InitialResponseModel != "" {
		t.API.InitialResponseModel = api.InitialResponseModel
	}
	if api.Temperature != nil {
		t.API.Temperature = *api.Temperature
	}
	if api.MaxTokens > 0 {
		t.API.MaxTokens = api.MaxTokens
	}
	if api.AmbiguousExpressionModel != "" {
		t.API.AmbiguousExpressionModel = api.AmbiguousExpressionModel
	}
	if api.TopicExtractionModel != "" {
		t.API.TopicExtractionModel = api.TopicExtractionModel
	}

	t.responses = make(map[string]map[string]string, len(base.responses)+len(cfg.Responses))
	for category, entries := range base.responses {
		t.responses[category] = copyEntries(entries, nil)
	}
	for category, entries := range cfg.Responses {
		t.responses[category] = copyEntries(entries, t.responses[category])
	}
	return &t
}

func copyEntries(src, dst map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
