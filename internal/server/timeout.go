package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds each request, streamed responses included. A
// timeout <= 0 leaves requests unbounded.
//
// Handlers observe the deadline through the request context and stop
// cooperatively, so an in-flight stream ends with an error event rather than
// a truncated frame. Requests that ran out of time are marked timed_out in
// the request log.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timeout <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))

			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				AddLogField(ctx, "timed_out", "true")
			}
		})
	}
}
