// Package file serves gateway configuration from a YAML file and reloads
// tenant settings when the file changes on disk.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/pkg/config"
)

// Provider owns the gateway's config file. Load reads it once; Watch keeps
// Current up to date and hands each good revision to the caller, which swaps
// in the new tenant table. A revision that fails to parse or validate is
// logged and dropped, so the last good config stays live.
type Provider struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	watcher *fsnotify.Watcher
	current *config.Config
}

// NewProvider returns a provider for the config file at path.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	if path == "" {
		return nil, errors.New("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		path:   filepath.Clean(path),
		logger: logger.With(slog.String("config_path", path)),
	}, nil
}

// Load reads and validates the file and makes it the current config.
func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	cfg, err := p.read()
	if err != nil {
		return nil, err
	}
	p.logger.Info("config loaded", slog.Int("tenants", len(cfg.Tenants)))
	return cfg, nil
}

// Current returns the last config that loaded cleanly, or nil before Load.
func (p *Provider) Current() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *Provider) read() (*config.Config, error) {
	cfg, err := config.Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}
	p.mu.Lock()
	p.current = cfg
	p.mu.Unlock()
	return cfg, nil
}

// Watch reloads the file whenever it changes and calls onChange with each
// revision that loads cleanly; the gateway uses this to replace its tenant
// registry without a restart. The directory is watched rather than the file
// so that editors which save by writing a temp file and renaming it over the
// original still trigger a reload. Watching stops when ctx is done or Close
// is called.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	p.logger.Info("watching config for tenant changes")

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				p.logger.Debug("config watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != p.path || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := p.read()
				if err != nil {
					p.logger.Error("config reload rejected, keeping previous tenants",
						slog.String("op", event.Op.String()),
						slog.String("error", err.Error()))
					continue
				}
				p.logger.Info("config reloaded",
					slog.String("op", event.Op.String()),
					slog.Int("tenants", len(cfg.Tenants)))
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Error("config watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Close stops the watcher, if one is running.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	p.watcher = nil
	return err
}
