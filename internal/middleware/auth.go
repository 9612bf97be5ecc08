package middleware

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ssrikantan/contoso-payments-api/internal/auth"
)

// TokenValidator validates bearer tokens. *auth.JWTService implements it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Auth requires a valid bearer token on every path not in public. Safe
// methods need auth.ScopeRead; everything else needs auth.ScopeWrite. The
// token subject is stored with SetSubject.
func Auth(validator TokenValidator, public map[string]bool, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				metrics.IncAuthFailures("missing")
				writeAuthError(w, r, http.StatusUnauthorized, "unauthorized", "Missing bearer token")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				reason, message := "invalid", "Invalid bearer token"
				if errors.Is(err, auth.ErrExpiredToken) {
					reason, message = "expired", "Bearer token has expired"
				}
				metrics.IncAuthFailures(reason)
				writeAuthError(w, r, http.StatusUnauthorized, "unauthorized", message)
				return
			}

			scope := auth.ScopeWrite
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				scope = auth.ScopeRead
			}
			if !claims.HasScope(scope) {
				metrics.IncAuthFailures("scope")
				writeAuthError(w, r, http.StatusForbidden, "forbidden", "Token lacks the "+scope+" scope")
				return
			}

			next.ServeHTTP(w, r.WithContext(SetSubject(r.Context(), claims.Subject)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(r.Context(), code))
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="contoso-payments"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `{"error":{"code":"`+code+`","message":"`+message+`"}}`)
}
