package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/ssrikantan/contoso-payments-api/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

type idempotencyKeyContextKey struct{}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// IdempotencyKey validates the Idempotency-Key header on POST requests to
// routes and stores it in the context for the handler. The header is
// optional; a malformed one is rejected with 400 before the handler runs.
// Replay itself happens in the payment lifecycle, not here.
func IdempotencyKey(routes map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !routes[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			values, present := r.Header[http.CanonicalHeaderKey(IdempotencyKeyHeader)]
			if !present {
				next.ServeHTTP(w, r)
				return
			}

			key := ""
			if len(values) > 0 {
				key = values[0]
			}
			if err := idempotency.ValidateKey(key); err != nil {
				code, message := "invalid_idempotency_key", "Idempotency-Key must not be empty"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code, message = "idempotency_key_too_long", "Idempotency-Key exceeds maximum length of 64 characters"
				}
				UpdateResponseContext(w, SetErrorCode(r.Context(), code))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error":{"code":"`+code+`","message":"`+message+`"}}`)
				return
			}

			next.ServeHTTP(w, r.WithContext(SetIdempotencyKey(r.Context(), key)))
		})
	}
}
