// Package middleware provides HTTP middleware for the replay backend.
package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/capitalize-ai/chatstream/internal/auth"
)

type claimsKey struct{}

// Auth rejects requests without a valid bearer token signed with jwtSecret
// (see auth.MintDevToken) and stores the token's claims on the context.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}

			claims, err := auth.VerifyToken(jwtSecret, strings.TrimSpace(token))
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

// GetUserID returns the authenticated subject, or "" outside Auth.
func GetUserID(ctx context.Context) string {
	if claims := claimsFrom(ctx); claims != nil {
		return claims.Subject
	}
	return ""
}

// HasScope reports whether the token carried scope.
func HasScope(ctx context.Context, scope string) bool {
	claims := claimsFrom(ctx)
	return claims != nil && slices.Contains(claims.Scopes, scope)
}
