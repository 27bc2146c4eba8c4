package middleware

import (
	"context"
	"net/http"
	"strings"

	"citizen-report-coordinator/pkg/response"
	"citizen-report-coordinator/pkg/security"
)

type claimsKey struct{}

// AuthMiddleware requires a valid Bearer token and stores its claims on the
// request context.
func AuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Error(w, http.StatusUnauthorized, "Missing Authorization header", "")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				response.Error(w, http.StatusUnauthorized, "Invalid token format", "Format must be Bearer <token>")
				return
			}

			claims, err := security.ParseToken(secret, tokenString)
			if err != nil {
				response.Error(w, http.StatusUnauthorized, "Invalid or expired token", err.Error())
				return
			}
			if _, err := ParseRole(claims.Role); err != nil {
				response.Error(w, http.StatusForbidden, "Forbidden", err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func WithClaims(ctx context.Context, c *security.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func ClaimsFrom(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*security.Claims)
	return c, ok
}
