package handlers

import (
	"errors"
	"net/http"

	"github.com/vire-cms/vire/internal/logger"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/cmsserver/api/auth"
	"github.com/vire-cms/vire/pkg/user"
)

// AuthHandler handles authentication-related API endpoints.
type AuthHandler struct {
	users      user.Store
	jwtService *auth.JWTService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(users user.Store, jwtService *auth.JWTService) *AuthHandler {
	return &AuthHandler{users: users, jwtService: jwtService}
}

// LoginRequest is the request body for POST /api/v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the token pair plus the user it was issued to.
type LoginResponse struct {
	auth.TokenPair
	User UserResponse `json:"user"`
}

// UserResponse is a sanitized user representation for API responses.
type UserResponse struct {
	Login    string   `json:"login"`
	FullName string   `json:"full_name,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// RefreshRequest is the request body for POST /api/v1/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func userToResponse(u *user.User) UserResponse {
	return UserResponse{Login: u.Login, FullName: u.FullName, Roles: u.Roles}
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		BadRequest(w, "Username and password are required")
		return
	}

	if err := h.users.MatchPassword(req.Username, req.Password); err != nil {
		if cmserrors.HasCode(err, cmserrors.ErrInvalidCredentials) {
			logger.InfoCtx(r.Context(), "login refused", logger.KeyLogin, req.Username)
			Unauthorized(w, "Invalid username or password")
			return
		}
		InternalServerError(w, "Authentication failed")
		return
	}
	u, err := h.users.GetUser(req.Username)
	if err != nil {
		Unauthorized(w, "Invalid username or password")
		return
	}

	h.writeTokens(w, u)
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		BadRequest(w, "Refresh token is required")
		return
	}

	claims, err := h.jwtService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			Unauthorized(w, "Refresh token has expired")
			return
		}
		Unauthorized(w, "Invalid refresh token")
		return
	}

	u, err := h.users.GetUser(claims.Login)
	if err != nil || !u.Enabled {
		Unauthorized(w, "User no longer exists")
		return
	}
	h.writeTokens(w, u)
}

// Me handles GET /api/v1/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}
	WriteJSONOK(w, UserResponse{Login: claims.Login, FullName: claims.FullName, Roles: claims.Roles})
}

func (h *AuthHandler) writeTokens(w http.ResponseWriter, u *user.User) {
	pair, err := h.jwtService.GenerateTokenPair(u)
	if err != nil {
		InternalServerError(w, "Failed to generate token")
		return
	}
	WriteJSONOK(w, LoginResponse{TokenPair: *pair, User: userToResponse(u)})
}
