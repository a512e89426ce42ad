// Package middleware provides HTTP middleware for the control API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/vire-cms/vire/pkg/cmsserver/api/auth"
	"github.com/vire-cms/vire/pkg/cmsserver/api/handlers"
)

func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// JWTAuth is a middleware that validates Bearer tokens in the Authorization header.
// If valid, the claims are stored in the request context.
// If invalid or missing, returns 401 Unauthorized.
func JWTAuth(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := extractBearerToken(r)
			if !ok {
				handlers.Unauthorized(w, "Authorization header required")
				return
			}

			claims, err := jwtService.ValidateAccessToken(tokenString)
			if err != nil {
				handlers.Unauthorized(w, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}
