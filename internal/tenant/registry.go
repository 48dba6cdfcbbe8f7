package tenant

import (
	"log/slog"
	"sync"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/pkg/config"
)

// Resolver maps a tenant id to its configuration.
type Resolver interface {
	Resolve(id string) *Tenant
}

// Registry holds the tenants loaded from configuration. It is safe for
// concurrent use and can be reloaded while serving.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	logger  *slog.Logger
}

// NewRegistry creates a registry containing only the built-in default tenant.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tenants: map[string]*Tenant{DefaultID: Builtin()},
		logger:  logger,
	}
}

// Load replaces all tenants. A "default" entry, if present, becomes the base
// that every other tenant inherits from.
func (r *Registry) Load(configs []config.TenantConfig) {
	base := Builtin()
	for _, cfg := range configs {
		if cfg.ID == DefaultID {
			base = fromConfig(cfg, base)
		}
	}

	tenants := map[string]*Tenant{DefaultID: base}
	for _, cfg := range configs {
		if cfg.ID == "" {
			r.logger.Warn("skipping tenant without id")
			continue
		}
		if cfg.ID == DefaultID {
			continue
		}
		tenants[cfg.ID] = fromConfig(cfg, base)
	}

	r.mu.Lock()
	r.tenants = tenants
	r.mu.Unlock()

	r.logger.Info("tenants loaded", slog.Int("count", len(tenants)))
}

// Resolve returns the tenant for id, falling back to the default tenant.
func (r *Registry) Resolve(id string) *Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = DefaultID
	}
	if t, ok := r.tenants[id]; ok {
		return t
	}
	r.logger.Debug("unknown tenant, using default", slog.String("tenant_id", id))
	return r.tenants[DefaultID]
}

// GetTenant retrieves a tenant by ID without falling back.
func (r *Registry) GetTenant(id string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	return t, ok
}
