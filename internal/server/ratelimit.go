package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimitContextKey is the context key for rate limit info
type rateLimitContextKey struct{}

// RateLimitInfo is the client's request allowance after the current request.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

type rateLimitSlot struct {
	mu   sync.Mutex
	info *RateLimitInfo
}

// SetRateLimits records rl for RateLimitHeadersMiddleware. No-op if the
// middleware isn't present.
func SetRateLimits(ctx context.Context, rl RateLimitInfo) {
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot); ok {
		slot.mu.Lock()
		slot.info = &rl
		slot.mu.Unlock()
	}
}

// GetRateLimits retrieves rate limit info from context.
// Returns nil if no rate limits are set.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot)
	if !ok {
		return nil
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.info == nil {
		return nil
	}
	info := *slot.info
	return &info
}

// RateLimitHeadersMiddleware writes x-ratelimit-*-requests headers from the
// info a handler records with SetRateLimits before its first write.
func RateLimitHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot := &rateLimitSlot{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, slot)
		wrapped := &rateLimitResponseWriter{ResponseWriter: w, ctx: ctx}
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	ctx          context.Context
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	rw.writeRateLimitHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	rw.writeRateLimitHeaders()
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	if rw.wroteHeaders {
		return
	}
	rw.wroteHeaders = true

	rl := GetRateLimits(rw.ctx)
	if rl == nil || rl.Limit <= 0 {
		return
	}

	h := rw.Header()
	h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.Limit))
	h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.Remaining))
	if !rl.Reset.IsZero() {
		wait := time.Until(rl.Reset).Round(time.Millisecond)
		if wait < 0 {
			wait = 0
		}
		h.Set("x-ratelimit-reset-requests", wait.String())
	}
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *rateLimitResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
