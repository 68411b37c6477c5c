package authapi

import (
	"context"
	"net/http"
	"time"

	"chatrooms/cmd/internal/auth/session"
	"chatrooms/cmd/internal/httpx"
)

type claimsKey struct{}

// WithClaims stores verified claims on ctx.
func WithClaims(ctx context.Context, c session.AccessClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims attached by RequireUser.
func ClaimsFromContext(ctx context.Context) (session.AccessClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(session.AccessClaims)
	return c, ok
}

// UserID is a shorthand for the authenticated user id (0 when unauthenticated).
func UserID(ctx context.Context) int64 {
	c, _ := ClaimsFromContext(ctx)
	return c.UserID
}

// RequireUser rejects requests without a valid bearer token with 401 JSON.
func RequireUser(tokens session.AccessTokenManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := httpx.BearerToken(r)
		if raw == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "no token provided")
			return
		}
		claims, err := tokens.Verify(raw, time.Now().UTC())
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}
