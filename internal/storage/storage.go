// Package storage defines the key-value store shared by the rate limiter and
// the response cache. Every entry carries a TTL so that long-running
// processes do not accumulate stale keys.
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors for store construction.
var (
	ErrInvalidConfig    = errors.New("invalid store configuration")
	ErrInvalidStoreType = errors.New("invalid store type")
)

// StoreType names a Store driver.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQLite StoreType = "sqlite"
	StoreTypeRedis  StoreType = "redis"
)

// Store is a byte-valued key-value store with per-entry expiry.
type Store interface {
	// Get returns the value for key. Expired entries are reported as absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A ttl <= 0 means the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Sweep removes expired entries and reports how many were removed.
	// Stores with native expiry may return zero.
	Sweep(ctx context.Context) (int, error)

	Close() error
}

// WindowCounter is implemented by stores that can atomically count hits in
// a fixed window across processes.
type WindowCounter interface {
	// IncrWindow increments key, starting a new window of the given length
	// when the key is absent, and returns the new count and window reset time.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// Clock returns the current time. Stores accept one so tests can control expiry.
type Clock func() time.Time
