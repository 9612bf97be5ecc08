package middleware

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
)

// Profiling mounts net/http/pprof under /debug/pprof/ when enabled is true
// and env is not production. Production requests never reach pprof.
func Profiling(enabled bool, env string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		if env == "production" {
			slog.Error("refusing to enable profiling in production")
			return next
		}
		slog.Warn("profiling endpoints enabled", "environment", env, "endpoints", "/debug/pprof/*")

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/debug/pprof") {
				next.ServeHTTP(w, r)
				return
			}
			switch r.URL.Path {
			case "/debug/pprof/cmdline":
				pprof.Cmdline(w, r)
			case "/debug/pprof/profile":
				pprof.Profile(w, r)
			case "/debug/pprof/symbol":
				pprof.Symbol(w, r)
			case "/debug/pprof/trace":
				pprof.Trace(w, r)
			default:
				pprof.Index(w, r)
			}
		})
	}
}
