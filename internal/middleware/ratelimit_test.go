package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestInMemoryRateLimitStore_Allow(t *testing.T) {
	tests := []struct {
		name          string
		limit         int
		wantAllowed   []bool
		wantRemaining []int
	}{
		{"under limit", 5, []bool{true, true, true}, []int{4, 3, 2}},
		{"at limit", 2, []bool{true, true, false}, []int{1, 0, 0}},
		{"single request", 1, []bool{true, false, false}, []int{0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewInMemoryRateLimitStore()
			config := RateLimitConfig{RequestsPerWindow: tt.limit, WindowDuration: time.Minute}

			for i := range tt.wantAllowed {
				allowed, remaining, retryAfter := store.Allow(context.Background(), "k", config)
				if allowed != tt.wantAllowed[i] || remaining != tt.wantRemaining[i] {
					t.Errorf("request %d: got (%v, %d), want (%v, %d)", i+1, allowed, remaining, tt.wantAllowed[i], tt.wantRemaining[i])
				}
				if !allowed && (retryAfter < 1 || retryAfter > 60) {
					t.Errorf("request %d: retryAfter = %d, want 1..60", i+1, retryAfter)
				}
			}
		})
	}
}

func TestInMemoryRateLimitStore_Cleanup(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 10 * time.Millisecond}

	store.Allow(context.Background(), "a", config)
	store.Allow(context.Background(), "b", config)
	time.Sleep(20 * time.Millisecond)
	store.Cleanup()

	store.mu.Lock()
	n := len(store.buckets)
	store.mu.Unlock()
	if n != 0 {
		t.Errorf("buckets after cleanup = %d, want 0", n)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "192.168.1.1:12345", nil, "192.168.1.1"},
		{"ipv6 remote addr", "[::1]:8080", nil, "::1"},
		{"no port", "10.0.0.1", nil, "10.0.0.1"},
		{"forwarded chain", "10.0.0.1:1", map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.2"}, "203.0.113.5"},
		{"real ip", "10.0.0.1:1", map[string]string{"X-Real-IP": "198.51.100.7"}, "198.51.100.7"},
	}

	keyFunc := IPKeyFunc()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := keyFunc(req); got != tt.want {
				t.Errorf("IPKeyFunc() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubjectKeyFunc(t *testing.T) {
	keyFunc := SubjectKeyFunc()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:1"
	if got := keyFunc(req); got != "ip:192.168.1.1" {
		t.Errorf("anonymous key = %q", got)
	}

	req = req.WithContext(SetSubject(req.Context(), "merchant-1"))
	if got := keyFunc(req); got != "subject:merchant-1" {
		t.Errorf("authenticated key = %q", got)
	}
}

func TestRateLimiter_BlocksExcessiveTraffic(t *testing.T) {
	m := NewMetrics()
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 3, WindowDuration: 30 * time.Second}

	handler := RateLimiter(store, config, IPKeyFunc(), m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/payments/authorize", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)

		wantCode := http.StatusOK
		if i >= 3 {
			wantCode = http.StatusTooManyRequests
		}
		if last.Code != wantCode {
			t.Errorf("request %d: status %d, want %d", i+1, last.Code, wantCode)
		}
	}

	if got := last.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q, want 3", got)
	}
	retryAfter, err := strconv.Atoi(last.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 30 {
		t.Errorf("Retry-After = %q, want 1..30", last.Header().Get("Retry-After"))
	}
	reset, err := strconv.ParseInt(last.Header().Get("X-RateLimit-Reset"), 10, 64)
	now := time.Now().Unix()
	if err != nil || reset < now || reset > now+31 {
		t.Errorf("X-RateLimit-Reset = %q, want a timestamp within 30s", last.Header().Get("X-RateLimit-Reset"))
	}

	if got := getCounterValue(m.rateLimitBlocked, "/payments/authorize", "ip"); got != 2 {
		t.Errorf("blocked counter = %v, want 2", got)
	}
	if got := getCounterValue(m.rateLimitRequests, "/payments/authorize", "ip"); got != 5 {
		t.Errorf("requests counter = %v, want 5", got)
	}
}

func TestRateLimiter_DifferentClientsIndependent(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	handler := RateLimiter(store, config, IPKeyFunc(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, addr := range []string{"192.168.1.1:1", "192.168.1.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/payments", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: status %d, want 200", addr, rr.Code)
		}
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 50 * time.Millisecond}
	handler := RateLimiter(store, config, IPKeyFunc(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	call := func() int {
		req := httptest.NewRequest(http.MethodGet, "/payments", nil)
		req.RemoteAddr = "192.168.1.1:1"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if call() != http.StatusOK || call() != http.StatusTooManyRequests {
		t.Fatal("expected allow then block")
	}
	time.Sleep(60 * time.Millisecond)
	if code := call(); code != http.StatusOK {
		t.Errorf("after reset: status %d, want 200", code)
	}
}

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  RateLimitConfig
		wantErr bool
	}{
		{"valid", RateLimitConfig{100, time.Minute}, false},
		{"zero requests", RateLimitConfig{0, time.Minute}, true},
		{"negative requests", RateLimitConfig{-1, time.Minute}, true},
		{"zero window", RateLimitConfig{100, 0}, true},
		{"negative window", RateLimitConfig{100, -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultLimits(t *testing.T) {
	global := DefaultGlobalLimit()
	if global.RequestsPerWindow != 100 || global.WindowDuration != time.Minute {
		t.Errorf("DefaultGlobalLimit() = %+v", global)
	}
	authorize := DefaultAuthorizeLimit()
	if authorize.RequestsPerWindow != 30 || authorize.WindowDuration != time.Minute {
		t.Errorf("DefaultAuthorizeLimit() = %+v", authorize)
	}

	global.RequestsPerWindow = 9999
	if DefaultGlobalLimit().RequestsPerWindow != 100 {
		t.Error("modifying a copy changed the default")
	}
}
