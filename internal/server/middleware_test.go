package server

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRateLimitHeadersMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		info      *RateLimitInfo
		wantLimit string
		wantLeft  string
		wantReset bool
	}{
		{
			name:      "full info",
			info:      &RateLimitInfo{Limit: 10, Remaining: 7, Reset: time.Now().Add(30 * time.Second)},
			wantLimit: "10",
			wantLeft:  "7",
			wantReset: true,
		},
		{
			name:      "exhausted",
			info:      &RateLimitInfo{Limit: 1, Remaining: 0},
			wantLimit: "1",
			wantLeft:  "0",
		},
		{
			name: "not set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RateLimitHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.info != nil {
					SetRateLimits(r.Context(), *tt.info)
				}
				w.Write([]byte("ok"))
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", nil))

			checkHeader(t, rec, "x-ratelimit-limit-requests", tt.wantLimit)
			checkHeader(t, rec, "x-ratelimit-remaining-requests", tt.wantLeft)
			if got := rec.Header().Get("x-ratelimit-reset-requests"); (got != "") != tt.wantReset {
				t.Errorf("x-ratelimit-reset-requests = %q, want present %v", got, tt.wantReset)
			}
		})
	}
}

func TestRateLimitHeadersMiddleware_SetAfterWriteIgnored(t *testing.T) {
	handler := RateLimitHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		SetRateLimits(r.Context(), RateLimitInfo{Limit: 5, Remaining: 4})
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	checkHeader(t, rec, "x-ratelimit-limit-requests", "")
}

func TestGetRateLimits(t *testing.T) {
	if GetRateLimits(context.Background()) != nil {
		t.Error("GetRateLimits() without middleware should be nil")
	}
	// Must not panic without middleware.
	SetRateLimits(context.Background(), RateLimitInfo{Limit: 1})

	var got *RateLimitInfo
	handler := RateLimitHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRateLimits(r.Context()) != nil {
			t.Error("GetRateLimits() before Set should be nil")
		}
		SetRateLimits(r.Context(), RateLimitInfo{Limit: 3, Remaining: 2})
		got = GetRateLimits(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got == nil || got.Limit != 3 || got.Remaining != 2 {
		t.Errorf("GetRateLimits() = %+v", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"propagated", "abc-123", true},
		{"oversized replaced", strings.Repeat("x", maxRequestIDLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("request ID not in context")
			}
			if rec.Header().Get("X-Request-ID") != seen {
				t.Errorf("header %q != context %q", rec.Header().Get("X-Request-ID"), seen)
			}
			if (seen == tt.incoming) != tt.keep {
				t.Errorf("request ID = %q, keep incoming %v", seen, tt.keep)
			}
		})
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline time.Time
	var ok bool
	handler := TimeoutMiddleware(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !ok {
		t.Fatal("context has no deadline")
	}
	if time.Until(deadline) > 50*time.Millisecond {
		t.Errorf("deadline too far: %v", time.Until(deadline))
	}
}

func TestTimeoutMiddleware_ContextCancelled(t *testing.T) {
	handler := TimeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			w.WriteHeader(http.StatusGatewayTimeout)
		case <-time.After(time.Second):
			w.WriteHeader(http.StatusOK)
		}
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
}

func TestTimeoutMiddleware_Unbounded(t *testing.T) {
	handler := TimeoutMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("context has a deadline with timeout 0")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestTimeoutMiddleware_LogsTimedOut(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := LoggingMiddleware(logger)(TimeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		w.WriteHeader(http.StatusGatewayTimeout)
	})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !strings.Contains(buf.String(), `"timed_out":"true"`) {
		t.Errorf("log output missing timed_out:\n%s", buf.String())
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestIDMiddleware(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "tenant_id", "acme")
		AddLogField(r.Context(), "ignored", "")
		w.WriteHeader(http.StatusTeapot)
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/chat", nil))

	out := buf.String()
	for _, want := range []string{`"msg":"request completed"`, `"status":418`, `"tenant_id":"acme"`, `"path":"/api/chat"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, `"ignored"`) {
		t.Error("empty field was logged")
	}
}

func TestLoggingMiddleware_ServerErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddError(r.Context(), context.DeadlineExceeded)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	out := buf.String()
	if !strings.Contains(out, `"level":"ERROR"`) || !strings.Contains(out, "deadline exceeded") {
		t.Errorf("unexpected log output:\n%s", out)
	}
}

func TestAddLogField_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				AddLogField(r.Context(), "worker", "x")
			}()
		}
		wg.Wait()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !strings.Contains(buf.String(), `"worker":"x"`) {
		t.Error("concurrent field missing")
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	AddLogField(context.Background(), "k", "v")
	AddError(context.Background(), nil)
}

func TestServer_Routes(t *testing.T) {
	s := New(Options{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	s.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("request has no deadline")
		}
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("GET /healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	s := New(Options{})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, name, expected string) {
	t.Helper()
	if got := rec.Header().Get(name); got != expected {
		t.Errorf("%s = %q, want %q", name, got, expected)
	}
}
