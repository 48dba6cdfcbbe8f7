package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. Nested keys use "__",
// e.g. CHATGW_SERVER__PORT=9000.
const EnvPrefix = "CHATGW_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Storage  StorageConfig  `koanf:"storage"`
	Tenants  []TenantConfig `koanf:"tenants"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeout bounds a whole turn, including streaming.
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// MetricsPath exposes prometheus metrics when non-empty.
	MetricsPath string `koanf:"metrics_path"`
}

type UpstreamConfig struct {
	APIKey       string        `koanf:"api_key"`
	BaseURL      string        `koanf:"base_url"`
	Timeout      time.Duration `koanf:"timeout"`
	AllowPrivate bool          `koanf:"allow_private"` // permit loopback/private upstreams (local model servers)
}

type StorageConfig struct {
	Type          string        `koanf:"type"` // memory, sqlite, redis
	SQLite        SQLiteConfig  `koanf:"sqlite"`
	Redis         RedisConfig   `koanf:"redis"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// TenantConfig is one tenant's model, limit, and wording settings.
// Zero fields inherit from the built-in defaults.
type TenantConfig struct {
	ID           string          `koanf:"id"`
	Name         string          `koanf:"name"`
	SystemPrompt string          `koanf:"system_prompt"`
	RateLimit    RateLimitConfig `koanf:"rate_limit"`
	APISettings  APISettings     `koanf:"api_settings"`
	// Responses maps category -> key -> user-facing text.
	Responses map[string]map[string]string `koanf:"responses"`
}

type RateLimitConfig struct {
	MaxRequests int           `koanf:"max_requests"`
	Window      time.Duration `koanf:"window"`
}

type APISettings struct {
	ChatModel                string   `koanf:"chat_model"`
	InitialResponseModel     string   `koanf:"initial_response_model"`
	Temperature              *float32 `koanf:"temperature"`
	MaxTokens                int      `koanf:"max_tokens"`
	AmbiguousExpressionModel string   `koanf:"ambiguous_expression_model"`
	TopicExtractionModel     string   `koanf:"topic_extraction_model"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (if it exists) and then applies environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":            8080,
		"server.request_timeout": "120s",
		"server.metrics_path":    "/metrics",
		"upstream.timeout":       "120s",
		"storage.type":           "memory",
		"storage.sweep_interval": "1m",
		"storage.redis.prefix":   "chatgw:",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Upstream.APIKey = substituteEnvVars(cfg.Upstream.APIKey)
	if cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg.Storage.Redis.Password = substituteEnvVars(cfg.Storage.Redis.Password)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
