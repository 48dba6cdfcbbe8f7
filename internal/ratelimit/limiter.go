// Package ratelimit implements a fixed-window request counter keyed by
// client address.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/storage"
)

const (
	keyPrefix = "ratelimit:"
	stripes   = 64
	// expiryGrace keeps an entry readable slightly past its reset time so the
	// window boundary is decided by Allow, not by store expiry.
	expiryGrace = time.Second
)

// Entry is the persisted state of one client's window.
type Entry struct {
	Count     int       `json:"count"`
	ResetTime time.Time `json:"resetTime"`
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key in fixed windows. Bursts up to the limit
// are allowed and the count resets wholesale once the window has passed.
type Limiter struct {
	store storage.Store
	now   storage.Clock
	locks [stripes]sync.Mutex
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(clock storage.Clock) Option {
	return func(l *Limiter) {
		l.now = clock
	}
}

// New creates a limiter persisting its windows in store.
func New(store storage.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow checks and consumes one request for key against max per window.
// A denied request does not count against the window.
func (l *Limiter) Allow(ctx context.Context, key string, max int, window time.Duration) (Decision, error) {
	if counter, ok := l.store.(storage.WindowCounter); ok {
		return l.allowCounter(ctx, counter, key, max, window)
	}

	mu := l.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()
	entry, found, err := l.load(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		entry = Entry{Count: 0, ResetTime: now.Add(window)}
	}
	if now.After(entry.ResetTime) {
		entry = Entry{Count: 0, ResetTime: now.Add(window)}
	}

	decision := Decision{Limit: max, ResetAt: entry.ResetTime}
	if entry.Count >= max {
		decision.Remaining = 0
		return decision, nil
	}

	entry.Count++
	if err := l.save(ctx, key, entry, now); err != nil {
		return Decision{}, err
	}

	decision.Allowed = true
	decision.Remaining = max - entry.Count
	return decision, nil
}

// Peek returns the stored window for key without consuming it.
func (l *Limiter) Peek(ctx context.Context, key string) (Entry, bool, error) {
	return l.load(ctx, key)
}

func (l *Limiter) allowCounter(ctx context.Context, counter storage.WindowCounter, key string, max int, window time.Duration) (Decision, error) {
	count, resetAt, err := counter.IncrWindow(ctx, keyPrefix+key, window)
	if err != nil {
		return Decision{}, err
	}
	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= max,
		Limit:     max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (l *Limiter) load(ctx context.Context, key string) (Entry, bool, error) {
	raw, ok, err := l.store.Get(ctx, keyPrefix+key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("load rate limit entry: %w", err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is treated as a fresh window.
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (l *Limiter) save(ctx context.Context, key string, entry Entry, now time.Time) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ttl := entry.ResetTime.Sub(now) + expiryGrace
	if err := l.store.Set(ctx, keyPrefix+key, raw, ttl); err != nil {
		return fmt.Errorf("save rate limit entry: %w", err)
	}
	return nil
}

func (l *Limiter) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.locks[h.Sum32()%stripes]
}
