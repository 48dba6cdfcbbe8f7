package runtime

import (
	"context"
	"fmt"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/storage"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/storage/memory"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/storage/redisstore"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/storage/sqlite"
)

// OpenStore creates the store named by cfg.Type.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch storage.StoreType(cfg.Type) {
	case "", storage.StoreTypeMemory:
		return memory.New(), nil

	case storage.StoreTypeSQLite:
		if cfg.SQLite.Path == "" {
			return nil, fmt.Errorf("%w: storage.sqlite.path is required", storage.ErrInvalidConfig)
		}
		return sqlite.New(cfg.SQLite.Path)

	case storage.StoreTypeRedis:
		r := cfg.Redis
		return redisstore.Dial(ctx, r.Addr, r.Password, r.DB, r.Prefix)

	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidStoreType, cfg.Type)
	}
}
