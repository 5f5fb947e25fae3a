package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  RateLimitConfig
		wantErr bool
	}{
		{"default", DefaultLimit(), false},
		{"zero requests", RateLimitConfig{RequestsPerWindow: 0, WindowDuration: time.Minute}, true},
		{"negative requests", RateLimitConfig{RequestsPerWindow: -1, WindowDuration: time.Minute}, true},
		{"zero window", RateLimitConfig{RequestsPerWindow: 10}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInMemoryRateLimitStore_Allow(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	config := RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if allowed, _ := store.Allow(ctx, "k", config); !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	now = now.Add(15 * time.Second)
	allowed, retryAfter := store.Allow(ctx, "k", config)
	if allowed {
		t.Fatal("4th request should be blocked")
	}
	if retryAfter != 45 {
		t.Errorf("expected retryAfter 45, got %d", retryAfter)
	}

	// Independent keys have independent budgets
	if allowed, _ := store.Allow(ctx, "other", config); !allowed {
		t.Error("different key should be allowed")
	}

	// A new window resets the counter
	now = now.Add(time.Minute)
	if allowed, _ := store.Allow(ctx, "k", config); !allowed {
		t.Error("request in a new window should be allowed")
	}
}

func TestInMemoryRateLimitStore_Cleanup(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.Allow(ctx, "short", RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second})
	store.Allow(ctx, "long", RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})

	now = now.Add(2 * time.Second)
	store.Cleanup()

	if got := store.Len(); got != 1 {
		t.Errorf("expected 1 bucket after cleanup, got %d", got)
	}
}

func TestInMemoryRateLimitStore_Concurrent(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 50, WindowDuration: time.Minute}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.Allow(context.Background(), "shared", config); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("expected exactly 50 allowed, got %d", allowed)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      int
	}{
		{0, 1},
		{-time.Second, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, tt := range tests {
		t.Run(tt.remaining.String(), func(t *testing.T) {
			if got := retryAfterSeconds(tt.remaining); got != tt.want {
				t.Errorf("retryAfterSeconds(%s) = %d, want %d", tt.remaining, got, tt.want)
			}
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{"remote addr", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"ipv6 remote addr", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"remote addr without port", nil, "192.0.2.9", "192.0.2.9"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.1"}, "10.0.0.1:80", "203.0.113.5"},
		{"forwarded single", map[string]string{"X-Forwarded-For": "203.0.113.6"}, "10.0.0.1:80", "203.0.113.6"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.1:80", "198.51.100.7"},
	}

	keyFunc := IPKeyFunc()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/nemeses", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := keyFunc(req); got != tt.want {
				t.Errorf("expected key %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	config := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	handler := RateLimiter(NewInMemoryRateLimitStore(), config, IPKeyFunc(), m)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/nemeses", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := send(); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	retryAfter, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 60 {
		t.Errorf("expected Retry-After in [1,60], got %q", rr.Header().Get("Retry-After"))
	}
	if rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset header")
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Error.Code != "rate_limit_exceeded" {
		t.Errorf("expected code rate_limit_exceeded, got %q", body.Error.Code)
	}

	blocked := findMetric(t, reg, MetricRateLimitBlocked)
	if blocked == nil || blocked.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Error("expected one blocked request recorded")
	}
	checked := findMetric(t, reg, MetricRateLimitRequests)
	if checked == nil || checked.GetMetric()[0].GetCounter().GetValue() != 3 {
		t.Error("expected three rate limit checks recorded")
	}
}

func TestRateLimiter_ExemptPaths(t *testing.T) {
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	handler := RateLimiter(NewInMemoryRateLimitStore(), config, IPKeyFunc(), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	for _, path := range []string{RouteHealthLive, RouteHealthReady, RouteMetrics} {
		for i := 0; i < 3; i++ {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			if rr.Code != http.StatusOK {
				t.Errorf("%s request %d: expected 200, got %d", path, i+1, rr.Code)
			}
		}
	}
}

func TestRateLimiter_ErrorCodeLogged(t *testing.T) {
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	buf := &bytes.Buffer{}
	handler := Logging(newTestLogger(buf))(
		RateLimiter(NewInMemoryRateLimitStore(), config, IPKeyFunc(), nil)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}),
		),
	)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/users/u1/nemeses", nil))
	buf.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/users/u1/nemeses", nil))

	logged := parseEntry(t, buf)
	if logged.Status != http.StatusTooManyRequests {
		t.Errorf("expected logged status 429, got %d", logged.Status)
	}
	if logged.ErrorCode != "rate_limit_exceeded" {
		t.Errorf("expected error_code rate_limit_exceeded, got %q", logged.ErrorCode)
	}
}
