package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProfiling(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		env      string
		wantCode int
	}{
		{"enabled in development", true, "development", http.StatusOK},
		{"disabled", false, "development", http.StatusTeapot},
		{"refused in production", true, "production", http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Profiling(tt.enabled, tt.env)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			}))

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
		})
	}
}

func TestProfiling_OtherPathsPassThrough(t *testing.T) {
	handler := Profiling(true, "development")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments", nil))
	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rr.Code)
	}
}
