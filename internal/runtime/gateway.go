// Package runtime provides the Gateway struct and lifecycle management for
// the chat gateway: configuration, storage, upstream wiring, and the HTTP
// server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/cache"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/chat"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/metrics"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/provider/openai"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/ratelimit"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/server"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/storage"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/tenant"
)

// ChatPath is where the chat-turn endpoint is mounted.
const ChatPath = "/api/chat"

// Gateway is the main entry point for running the chat gateway.
// It can be embedded in a larger application or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	configPath string
	config     *file.Provider
	static     *config.Config
	store      storage.Store
	ownsStore  bool
	completer  domain.Completer
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// Internal state
	tenants  *tenant.Registry
	chat     *chat.Handler
	server   *server.Server
	listener net.Listener

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
}

// New creates a Gateway with the given options. A config source is required.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.configPath != "" {
		provider, err := file.NewProvider(gw.configPath, gw.logger)
		if err != nil {
			return nil, fmt.Errorf("create file config provider: %w", err)
		}
		gw.config = provider
	}
	if gw.config == nil && gw.static == nil {
		return nil, errors.New("config source required (use WithFileConfig or WithConfig)")
	}

	if gw.metrics == nil {
		gw.metrics = metrics.New()
	}
	gw.tenants = tenant.NewRegistry(gw.logger)

	return gw, nil
}

// Start loads configuration, wires the chat handler, and begins serving in
// the background. It returns once the listener is bound.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return errors.New("gateway already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := g.loadConfig()
	if err != nil {
		g.cancel()
		return fmt.Errorf("load config: %w", err)
	}
	g.tenants.Load(cfg.Tenants)

	if g.store == nil {
		store, err := OpenStore(g.ctx, cfg.Storage)
		if err != nil {
			g.cancel()
			return fmt.Errorf("open store: %w", err)
		}
		g.store = store
		g.ownsStore = true
	}

	if g.completer == nil {
		if cfg.Upstream.APIKey == "" {
			g.logger.Warn("no upstream API key configured; completions will fail")
		}
		g.completer = openai.CreateFromConfig(cfg.Upstream)
	}

	handler, err := chat.NewHandler(chat.Config{
		Completer: g.completer,
		Tenants:   g.tenants,
		Limiter:   ratelimit.New(g.store),
		Cache:     cache.New(g.store),
		Metrics:   g.metrics,
		Logger:    g.logger,
	})
	if err != nil {
		g.cancel()
		return fmt.Errorf("create chat handler: %w", err)
	}

	g.chat = handler

	if err := g.startServer(cfg, handler); err != nil {
		g.cancel()
		return fmt.Errorf("start server: %w", err)
	}

	if interval := cfg.Storage.SweepInterval; interval > 0 {
		g.wg.Add(1)
		go g.sweep(interval)
	}

	if g.config != nil {
		g.watchConfig()
	}

	g.started = true
	g.logger.Info("gateway started",
		slog.String("addr", g.listener.Addr().String()),
		slog.String("storage", cfg.Storage.Type),
		slog.Int("tenants", len(cfg.Tenants)))

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (g *Gateway) Addr() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Metrics returns the gateway's metric collectors.
func (g *Gateway) Metrics() *metrics.Metrics {
	return g.metrics
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	g.wg.Wait()

	// Streams whose clients already left may still be writing to the cache.
	if g.chat != nil {
		if err := g.chat.Drain(ctx); err != nil {
			g.logger.Warn("post-stream work still running at shutdown", slog.String("error", err.Error()))
		}
	}

	if g.store != nil && g.ownsStore {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	g.started = false
	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) loadConfig() (*config.Config, error) {
	if g.config != nil {
		return g.config.Load(g.ctx)
	}
	return g.static, nil
}

func (g *Gateway) startServer(cfg *config.Config, handler http.Handler) error {
	g.logger.Debug("starting HTTP server", slog.Int("port", cfg.Server.Port))

	srv := server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         g.logger,
	})
	srv.Router.Method(http.MethodPost, ChatPath, handler)
	srv.Router.Get("/healthz", g.healthz)
	if path := cfg.Server.MetricsPath; path != "" {
		srv.Router.Method(http.MethodGet, path, g.metrics.Handler())
		g.logger.Info("registered handler", slog.String("method", http.MethodGet), slog.String("path", path))
	}
	g.logger.Info("registered handler", slog.String("method", http.MethodPost), slog.String("path", ChatPath))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	g.server = srv
	g.listener = ln

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := srv.Serve(ln); err != nil {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (g *Gateway) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// sweep periodically evicts expired rate-limit and cache entries.
func (g *Gateway) sweep(interval time.Duration) {
	defer g.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			n, err := g.store.Sweep(g.ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					g.logger.Warn("store sweep failed", slog.String("error", err.Error()))
				}
				continue
			}
			if n > 0 {
				g.metrics.StoreSwept.Add(float64(n))
				g.logger.Debug("swept expired entries", slog.Int("count", n))
			}
		}
	}
}

// watchConfig reloads tenants when the config file changes.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		g.reload(newCfg)
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		g.logger.Error("config watch failed", slog.String("error", err.Error()))
	}
}

// reload applies the parts of cfg that can change while serving. Server,
// storage, and upstream settings take effect on restart.
func (g *Gateway) reload(cfg *config.Config) {
	g.tenants.Load(cfg.Tenants)
	g.logger.Info("reload complete", slog.Int("tenants", len(cfg.Tenants)))
}
