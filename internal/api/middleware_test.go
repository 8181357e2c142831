package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"ssogate/internal/auth"
	"ssogate/internal/observability"
)

func newTestLogger() observability.Logger {
	return observability.Discard()
}

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = observability.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rr.Header().Get(requestIDHeader); got == "" {
		t.Fatalf("expected request id header to be set")
	}
	if captured == "" || captured != rr.Header().Get(requestIDHeader) {
		t.Fatalf("context request id %q does not match header", captured)
	}
}

func TestRequestIDMiddlewarePreservesValidIncoming(t *testing.T) {
	const original = "req-123"
	var captured string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = observability.RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, original)
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get(requestIDHeader); got != original {
		t.Fatalf("expected request id header %q, got %q", original, got)
	}
	if captured != original {
		t.Fatalf("expected context request id %q, got %q", original, captured)
	}
}

func TestRequestIDMiddlewareRejectsInvalidID(t *testing.T) {
	for _, id := range []string{
		strings.Repeat("a", 65),
		"req@123",
		"<script>alert(1)</script>",
	} {
		var captured string
		handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = observability.RequestIDFromContext(r.Context())
		}))
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(requestIDHeader, id)
		handler.ServeHTTP(rr, req)

		if captured == "" || captured == id || rr.Header().Get(requestIDHeader) == id {
			t.Errorf("id %q: expected a fresh id, got %q", id, captured)
		}
	}
}

func TestSanitizeRequestID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"valid alphanumeric", "abc123", "abc123"},
		{"valid with separators", "req-1_2.3", "req-1_2.3"},
		{"valid uuid format", "550e8400-e29b-41d4-a716-446655440000", "550e8400-e29b-41d4-a716-446655440000"},
		{"empty string", "", ""},
		{"whitespace only", "   ", ""},
		{"trimmed whitespace", "  req-123  ", "req-123"},
		{"exactly 64 chars", strings.Repeat("a", 64), strings.Repeat("a", 64)},
		{"65 chars rejected", strings.Repeat("a", 65), ""},
		{"invalid special chars", "req@123", ""},
		{"invalid spaces", "req 123", ""},
		{"invalid newline", "req\n123", ""},
		{"invalid unicode", "req-123é", ""},
		{"invalid slash", "req/123", ""},
		{"invalid colon", "req:123", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeRequestID(tt.input); got != tt.want {
				t.Errorf("sanitizeRequestID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestApplyMiddlewares(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+"-before")
				next.ServeHTTP(w, r)
				order = append(order, name+"-after")
			})
		}
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})

	ApplyMiddlewares(handler, mw("m1"), mw("m2")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	expected := []string{"m1-before", "m2-before", "handler", "m2-after", "m1-after"}
	if strings.Join(order, ",") != strings.Join(expected, ",") {
		t.Fatalf("order = %v, want %v", order, expected)
	}
}

func TestLoggingMiddlewareLogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.Config{Format: "json", Output: &buf})

	handler := ApplyMiddlewares(
		forwardUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})),
		RequestIDMiddleware(),
		LoggingMiddleware(logger),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(observability.WithUsername(r.Context(), "jane.doe")))
			})
		},
	)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/page", nil))

	out := buf.String()
	for _, want := range []string{`"msg":"request completed"`, `"status":418`, `"username":"jane.doe"`, `"request_id":`, `"component":"http"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %s: %s", want, out)
		}
	}
}

func TestLoggingMiddlewareRecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.Config{Format: "json", Output: &buf})

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic log, got %s", buf.String())
	}
}

func TestRateLimitMiddlewareBlocksAfterBurstExhausted(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 5, Burst: 1}
	metrics := observability.NewMetrics(observability.DefaultMetricsConfig())
	handler := RateLimitMiddleware(cfg, metrics, newTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be limited, got %d", second.Code)
	}
	retry, err := strconv.Atoi(second.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Fatalf("Retry-After = %q", second.Header().Get("Retry-After"))
	}

	time.Sleep(250 * time.Millisecond)

	third := httptest.NewRecorder()
	handler.ServeHTTP(third, httptest.NewRequest(http.MethodGet, "/", nil))
	if third.Code != http.StatusOK {
		t.Fatalf("expected third request after wait to succeed, got %d", third.Code)
	}

	var out strings.Builder
	metrics.WritePrometheus(&out)
	if !strings.Contains(out.String(), `ssogate_rate_limit_requests_total{status="rejected"} 1`) {
		t.Errorf("rejection not counted:\n%s", out.String())
	}
}

func TestRateLimitMiddlewareHeaders(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 10, Burst: 5}
	handler := RateLimitMiddleware(cfg, nil, newTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if limit, _ := strconv.ParseFloat(rr.Header().Get("X-RateLimit-Limit"), 64); limit != 10 {
		t.Fatalf("X-RateLimit-Limit = %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	remaining, err := strconv.Atoi(rr.Header().Get("X-RateLimit-Remaining"))
	if err != nil || remaining < 0 || remaining > 5 {
		t.Fatalf("X-RateLimit-Remaining = %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	reset, err := strconv.ParseInt(rr.Header().Get("X-RateLimit-Reset"), 10, 64)
	now := time.Now().Unix()
	if err != nil || reset < now || reset > now+2 {
		t.Fatalf("X-RateLimit-Reset = %q (now %d)", rr.Header().Get("X-RateLimit-Reset"), now)
	}
}

func TestRateLimitMiddlewarePerIPTracking(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 5, Burst: 1}
	handler := RateLimitMiddleware(cfg, nil, newTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string) int {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send("1.2.3.4:12345"); code != http.StatusOK {
		t.Fatalf("first request from IP1 = %d", code)
	}
	if code := send("1.2.3.4:23456"); code != http.StatusTooManyRequests {
		t.Fatalf("second request from IP1 = %d", code)
	}
	if code := send("5.6.7.8:54321"); code != http.StatusOK {
		t.Fatalf("first request from IP2 = %d", code)
	}
}

func TestRateLimitMiddlewareXForwardedFor(t *testing.T) {
	proxies, err := auth.ParseTrustedProxies("10.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	cfg := RateLimitConfig{RequestsPerSecond: 5, Burst: 1, Proxies: proxies}
	handler := RateLimitMiddleware(cfg, nil, newTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote, xff string) int {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", xff)
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	// Distinct clients behind the same trusted proxy have separate buckets.
	if code := send("10.1.1.1:80", "203.0.113.1"); code != http.StatusOK {
		t.Fatalf("client A = %d", code)
	}
	if code := send("10.1.1.1:80", "203.0.113.2, 10.1.1.1"); code != http.StatusOK {
		t.Fatalf("client B = %d", code)
	}
	if code := send("10.1.1.1:80", "203.0.113.1"); code != http.StatusTooManyRequests {
		t.Fatalf("client A again = %d", code)
	}

	// An untrusted peer cannot pick its bucket with the header.
	if code := send("192.0.2.9:80", "198.51.100.1"); code != http.StatusOK {
		t.Fatalf("untrusted first = %d", code)
	}
	if code := send("192.0.2.9:80", "198.51.100.2"); code != http.StatusTooManyRequests {
		t.Fatalf("untrusted spoof = %d", code)
	}
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	handler := RateLimitMiddleware(RateLimitConfig{}, nil, newTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 10; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("disabled limiter must not set headers")
		}
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != defaultRateLimitRPS || cfg.Burst != defaultRateLimitBurst {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestDefaultRateLimitConfigFromEnv(t *testing.T) {
	t.Setenv("SSOGATE_RATE_LIMIT_RPS", "12.5")
	t.Setenv("SSOGATE_RATE_LIMIT_BURST", "7")

	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 12.5 || cfg.Burst != 7 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestDefaultRateLimitConfigInvalidEnv(t *testing.T) {
	t.Setenv("SSOGATE_RATE_LIMIT_RPS", "fast")
	t.Setenv("SSOGATE_RATE_LIMIT_BURST", "-3")

	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != defaultRateLimitRPS || cfg.Burst != defaultRateLimitBurst {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestRateLimitConfigEnabled(t *testing.T) {
	tests := []struct {
		cfg  RateLimitConfig
		want bool
	}{
		{RateLimitConfig{RequestsPerSecond: 1, Burst: 1}, true},
		{RateLimitConfig{RequestsPerSecond: 0, Burst: 1}, false},
		{RateLimitConfig{RequestsPerSecond: 1, Burst: 0}, false},
		{RateLimitConfig{RequestsPerSecond: -1, Burst: 5}, false},
	}
	for _, tt := range tests {
		if got := tt.cfg.Enabled(); got != tt.want {
			t.Errorf("%+v.Enabled() = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}

func TestNoteUserWithoutHolder(t *testing.T) {
	// Must be a no-op outside LoggingMiddleware.
	noteUser(context.Background(), "jane.doe")
}
