package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// RevocationChecker reports whether a bearer token was revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// RejectRevoked answers 401 for revoked bearer tokens. Requests without a
// bearer token pass through. If the store cannot answer the request fails
// with 503 instead of letting a possibly revoked token in.
func RejectRevoked(checker RevocationChecker, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" || checker == nil {
				next.ServeHTTP(w, r)
				return
			}
			revoked, err := checker.IsRevoked(r.Context(), token)
			if err != nil {
				logger.Error("revocation check failed",
					zap.String("correlation_id", GetCorrelationID(r.Context())),
					zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "token revocation check unavailable")
				return
			}
			if revoked {
				writeError(w, http.StatusUnauthorized, "token has been revoked")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// RequireAdmin guards the admin surface with a shared X-Admin-Token. An empty
// token disables the check for deployments where the gateway enforces it.
func RequireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusForbidden, "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
