// Package cache memoizes completed turns keyed by the canonical form of the
// conversation that produced them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/storage"
)

// DefaultTTL is how long a cached turn stays valid.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "cache:"

// Entry is a cached completion.
type Entry struct {
	Message   domain.Turn `json:"message"`
	Topics    []string    `json:"topics"`
	Timestamp time.Time   `json:"timestamp"`
}

// Cache stores entries in a storage.Store.
type Cache struct {
	store storage.Store
	ttl   time.Duration
	now   storage.Clock
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock storage.Clock) Option {
	return func(c *Cache) {
		c.now = clock
	}
}

// New creates a cache over store.
func New(store storage.Store, opts ...Option) *Cache {
	c := &Cache{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type keyTurn struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// Key derives the cache key for conv. Only role and content take part, in
// order.
func Key(conv domain.Conversation) string {
	pairs := make([]keyTurn, len(conv))
	for i, t := range conv {
		pairs[i] = keyTurn{Role: t.Role, Content: t.Content}
	}
	// Marshalling a slice of plain structs cannot fail.
	raw, _ := json.Marshal(pairs)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Get returns the live entry for conv. Stale entries are removed.
func (c *Cache) Get(ctx context.Context, conv domain.Conversation) (*Entry, bool, error) {
	key := keyPrefix + Key(conv)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		_ = c.store.Delete(ctx, key)
		return nil, false, nil
	}
	if !c.now().Before(entry.Timestamp.Add(c.ttl)) {
		_ = c.store.Delete(ctx, key)
		return nil, false, nil
	}
	if entry.Topics == nil {
		entry.Topics = []string{}
	}
	return &entry, true, nil
}

// Put records message and topics as the answer to conv. Last writer wins.
func (c *Cache) Put(ctx context.Context, conv domain.Conversation, message domain.Turn, topics []string) error {
	if topics == nil {
		topics = []string{}
	}
	raw, err := json.Marshal(Entry{
		Message:   message,
		Topics:    topics,
		Timestamp: c.now(),
	})
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.store.Set(ctx, keyPrefix+Key(conv), raw, c.ttl); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// TTL reports the configured lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
