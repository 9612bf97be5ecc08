package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// paymentActions are the sub-resources under /payments/{id}.
var paymentActions = map[string]bool{
	"capture": true,
	"void":    true,
	"refund":  true,
	"receipt": true,
	"audit":   true,
}

// normalizePath maps request paths onto route patterns so payment IDs do not
// become label values. Unknown paths collapse to "other".
func normalizePath(path string) string {
	switch path {
	case "/", "/payments", "/payments/authorize", "/health", "/ready", "/metrics":
		return path
	}

	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(parts) < 3 || parts[1] != "payments" || parts[2] == "" {
		return "other"
	}
	switch len(parts) {
	case 3:
		return "/payments/{id}"
	case 4:
		if paymentActions[parts[3]] {
			return "/payments/{id}/" + parts[3]
		}
	}
	return "other"
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics records duration, sizes and counts per normalized route.
// /health, /ready and /metrics are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/ready", "/metrics":
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
