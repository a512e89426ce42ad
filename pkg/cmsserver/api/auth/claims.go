// Package auth issues and validates the JWT tokens of the control API.
package auth

import (
	"context"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType indicates whether a token is an access token or refresh token.
type TokenType string

const (
	// TokenTypeAccess is a short-lived token used for API authorization.
	TokenTypeAccess TokenType = "access"
	// TokenTypeRefresh is a long-lived token used to obtain new access tokens.
	TokenTypeRefresh TokenType = "refresh"
)

// Claims identifies the user a token was issued to.
type Claims struct {
	jwt.RegisteredClaims

	// Login is the user's login name.
	Login string `json:"login"`

	// FullName is informational.
	FullName string `json:"full_name,omitempty"`

	// Roles lists the roles the user may reserve sessions under. Empty
	// means any role.
	Roles []string `json:"roles,omitempty"`

	TokenType TokenType `json:"token_type"`
}

// CanUseRole reports whether the token holder may reserve under role.
func (c *Claims) CanUseRole(role string) bool {
	return len(c.Roles) == 0 || slices.Contains(c.Roles, role)
}

type contextKey string

const claimsContextKey contextKey = "claims"

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext retrieves the claims stored by the JWT middleware.
// Returns nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}
