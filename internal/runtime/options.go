package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/metrics"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/storage"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/storage/redisstore"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/storage/sqlite"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload.
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		if path == "" {
			return errors.New("config path cannot be empty")
		}
		g.configPath = path
		return nil
	}
}

// WithConfig uses a fixed, already-loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return errors.New("config cannot be nil")
		}
		g.static = cfg
		return nil
	}
}

// WithStore uses a caller-owned store instead of the configured one.
// The gateway does not close it.
func WithStore(store storage.Store) Option {
	return func(g *Gateway) error {
		g.store = store
		g.ownsStore = false
		return nil
	}
}

// WithSQLite uses a SQLite store at path, overriding storage.type.
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		store, err := sqlite.New(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		g.store = store
		g.ownsStore = true
		return nil
	}
}

// WithRedis uses a Redis store, overriding storage.type. Rate limiting is
// then shared by every gateway pointed at the same server.
func WithRedis(addr, password string, db int) Option {
	return func(g *Gateway) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := redisstore.Dial(ctx, addr, password, db, "chatgw:")
		if err != nil {
			return fmt.Errorf("create redis storage: %w", err)
		}
		g.store = store
		g.ownsStore = true
		return nil
	}
}

// WithCompleter replaces the upstream completion client.
func WithCompleter(c domain.Completer) Option {
	return func(g *Gateway) error {
		g.completer = c
		return nil
	}
}

// WithMetrics registers collectors on m instead of a private set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}

// WithLogger sets the logger used by the gateway and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}
